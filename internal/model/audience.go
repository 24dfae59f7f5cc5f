package model

import "strings"

// MissBehavior decides what happens to a schedule whose audience does not match.
type MissBehavior string

const (
	// MissCancel removes the schedule.
	MissCancel MissBehavior = "cancel"
	// MissSkip ignores this execution without counting it.
	MissSkip MissBehavior = "skip"
	// MissPenalize counts the execution as used without displaying anything.
	MissPenalize MissBehavior = "penalize"
)

// Audience is a device predicate evaluated before a schedule executes.
// All present conditions must hold.
type Audience struct {
	NewUser           *bool          `json:"new_user,omitempty"`
	NotificationOptIn *bool          `json:"notification_opt_in,omitempty"`
	LocaleLanguages   []string       `json:"locale_languages,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	AppVersion        *JSONPredicate `json:"app_version,omitempty"`
	MissBehavior      MissBehavior   `json:"miss_behavior,omitempty"`
}

// EffectiveMissBehavior defaults to penalize.
func (a *Audience) EffectiveMissBehavior() MissBehavior {
	if a == nil || a.MissBehavior == "" {
		return MissPenalize
	}
	return a.MissBehavior
}

func (a *Audience) Validate() error {
	switch a.MissBehavior {
	case "", MissCancel, MissSkip, MissPenalize:
	default:
		return malformed("unknown audience miss_behavior %q", a.MissBehavior)
	}
	for _, l := range a.LocaleLanguages {
		if strings.TrimSpace(l) == "" {
			return malformed("empty locale language")
		}
	}
	if a.AppVersion != nil {
		return a.AppVersion.Validate()
	}
	return nil
}

func (a Audience) clone() Audience {
	out := a
	out.LocaleLanguages = append([]string(nil), a.LocaleLanguages...)
	out.Tags = append([]string(nil), a.Tags...)
	if a.NewUser != nil {
		v := *a.NewUser
		out.NewUser = &v
	}
	if a.NotificationOptIn != nil {
		v := *a.NotificationOptIn
		out.NotificationOptIn = &v
	}
	if a.AppVersion != nil {
		p := a.AppVersion.clone()
		out.AppVersion = &p
	}
	return out
}
