package ledger

import (
	"encoding/json"
	"time"
)

// legacyLayouts are accepted when decoding markers written without a zone offset.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a marker time that decodes leniently. Anything that cannot be
// parsed becomes the zero time, which consolidation treats as missing.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// Valid reports whether the timestamp holds a usable time.
func (t Timestamp) Valid() bool {
	return !t.IsZero()
}

// MarshalJSON encodes the timestamp as RFC 3339, or null when zero.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON never fails; malformed input yields the zero time.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil || raw == "" {
		return nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed
		return nil
	}

	for _, layout := range legacyLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			t.Time = parsed
			return nil
		}
	}

	return nil
}

// elapsedSeconds returns end-start in seconds, or 0 when either bound is
// missing or the interval runs backwards.
func elapsedSeconds(start, end Timestamp) float64 {
	if !start.Valid() || !end.Valid() {
		return 0
	}

	d := end.Sub(start.Time)
	if d < 0 {
		return 0
	}

	return d.Seconds()
}
