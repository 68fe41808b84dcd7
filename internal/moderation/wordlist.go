package moderation

// defaultTerms is the built-in profanity list. Single words match whole
// tokens only, so "assess" or "class" never trip "ass".
var defaultTerms = []string{
	// Profanity.
	"arse",
	"arsehole",
	"ass",
	"asshole",
	"bastard",
	"bitch",
	"bitches",
	"bollocks",
	"bullshit",
	"crap",
	"cunt",
	"damn",
	"dick",
	"dickhead",
	"douche",
	"fuck",
	"fucked",
	"fucker",
	"fucking",
	"goddamn",
	"jackass",
	"motherfucker",
	"piss",
	"pissed",
	"prick",
	"pussy",
	"shit",
	"shitty",
	"slut",
	"twat",
	"wank",
	"wanker",
	"whore",

	// Harassment phrases.
	"kill yourself",
	"go die",
	"send nudes",
	"shut the fuck up",
}
