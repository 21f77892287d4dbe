package types

import (
	"encoding/json"
	"time"
)

// Reading is one environmental measurement. The upstream shape is not fixed,
// so the raw record is kept and re-emitted as-is.
type Reading struct {
	Raw json.RawMessage

	// Time is zero when the record carries no timestamp.
	Time time.Time

	// Values holds the finite numeric members of the record by key.
	Values map[string]float64
}

func (r Reading) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// Alert is one severity-classified notification tied to a location and time.
type Alert struct {
	ID        string    `json:"_id"`
	Severity  string    `json:"severity"`
	Location  string    `json:"location"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
