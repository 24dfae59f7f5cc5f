package model

import (
	"encoding/json"
)

// TriggerType is the closed set of conditions that advance a schedule.
type TriggerType string

const (
	TriggerForeground             TriggerType = "foreground"
	TriggerBackground             TriggerType = "background"
	TriggerAppInit                TriggerType = "app_init"
	TriggerScreen                 TriggerType = "screen"
	TriggerRegionEnter            TriggerType = "region_enter"
	TriggerRegionExit             TriggerType = "region_exit"
	TriggerCustomEventCount       TriggerType = "custom_event_count"
	TriggerCustomEventValue       TriggerType = "custom_event_value"
	TriggerActiveSession          TriggerType = "active_session"
	TriggerVersion                TriggerType = "version"
	TriggerFeatureFlagInteraction TriggerType = "feature_flag_interaction"
)

var triggerTypes = map[TriggerType]struct{}{
	TriggerForeground: {}, TriggerBackground: {}, TriggerAppInit: {}, TriggerScreen: {},
	TriggerRegionEnter: {}, TriggerRegionExit: {}, TriggerCustomEventCount: {},
	TriggerCustomEventValue: {}, TriggerActiveSession: {}, TriggerVersion: {},
	TriggerFeatureFlagInteraction: {},
}

// Trigger advances its schedule toward execution when matching events arrive.
// Count is the running count; it resets every time Goal is reached.
type Trigger struct {
	ID        string         `json:"id,omitempty"`
	Type      TriggerType    `json:"type"`
	Goal      float64        `json:"goal"`
	Count     float64        `json:"count,omitempty"`
	Predicate *JSONPredicate `json:"predicate,omitempty"`
}

// Validate checks the trigger type and goal.
func (t *Trigger) Validate() error {
	if _, ok := triggerTypes[t.Type]; !ok {
		return malformed("unknown trigger type %q", t.Type)
	}
	if t.Goal <= 0 {
		return malformed("trigger %s goal must be > 0", t.Type)
	}
	if t.Predicate != nil {
		if err := t.Predicate.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Increment adds amount to the running count and reports whether the goal was reached.
// On reaching the goal the count resets to zero.
func (t *Trigger) Increment(amount float64) bool {
	t.Count += amount
	if t.Count < t.Goal {
		return false
	}
	t.Count = 0
	return true
}

// TriggerContext describes which trigger fired and the event that fired it.
type TriggerContext struct {
	Type  TriggerType     `json:"type"`
	Goal  float64         `json:"goal"`
	Event json.RawMessage `json:"event"`
}
