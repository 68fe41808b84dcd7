package chat

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a server-assigned point in time that may not be resolved yet.
// A zero Timestamp (Valid == false) is unresolved.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// At returns a resolved Timestamp for t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t, Valid: true}
}

// OrderKey is the single conversion used to order records: Unix
// milliseconds, or 0 when the timestamp is unresolved. An unresolved
// timestamp therefore sorts oldest.
func (ts Timestamp) OrderKey() int64 {
	if !ts.Valid {
		return 0
	}
	return ts.Time.UnixMilli()
}

// Scan implements sql.Scanner. NULL scans to an unresolved Timestamp.
func (ts *Timestamp) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ts = Timestamp{}
	case time.Time:
		*ts = At(v)
	default:
		return fmt.Errorf("chat: cannot scan %T into Timestamp", value)
	}
	return nil
}

// Value implements driver.Valuer.
func (ts Timestamp) Value() (driver.Value, error) {
	if !ts.Valid {
		return nil, nil
	}
	return ts.Time, nil
}

// MarshalJSON encodes a resolved timestamp as RFC 3339 and an unresolved one
// as null.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if !ts.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null or an RFC 3339 string.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chat: timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("chat: timestamp: %w", err)
	}
	*ts = At(t)
	return nil
}
