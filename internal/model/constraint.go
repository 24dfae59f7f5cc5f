package model

import (
	"encoding/json"
	"strings"
	"time"
)

// FrequencyConstraint caps occurrences to Count per Range.
// Schedules reference constraints by ID.
type FrequencyConstraint struct {
	ID    string
	Range time.Duration
	Count uint
}

type constraintJSON struct {
	ID    string  `json:"id"`
	Range float64 `json:"range"` // seconds
	Count uint    `json:"boundary"`
}

func (c FrequencyConstraint) MarshalJSON() ([]byte, error) {
	return json.Marshal(constraintJSON{ID: c.ID, Range: c.Range.Seconds(), Count: c.Count})
}

func (c *FrequencyConstraint) UnmarshalJSON(b []byte) error {
	var raw constraintJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = FrequencyConstraint{
		ID:    raw.ID,
		Range: time.Duration(raw.Range * float64(time.Second)),
		Count: raw.Count,
	}
	return nil
}

func (c FrequencyConstraint) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return malformed("constraint id is required")
	}
	if c.Range <= 0 {
		return malformed("constraint %s range must be > 0", c.ID)
	}
	if c.Count == 0 {
		return malformed("constraint %s count must be > 0", c.ID)
	}
	return nil
}

// Occurrence is one admitted execution counted against a constraint.
type Occurrence struct {
	ConstraintID string
	Timestamp    time.Time
}
