package automation

import (
	"context"
	"strings"

	"automator/internal/model"
)

// LocalAudience evaluates audiences against DeviceInfo alone.
type LocalAudience struct{}

func (LocalAudience) Check(_ context.Context, a *model.Audience, info DeviceInfo) (bool, error) {
	if a == nil {
		return true, nil
	}
	if a.NewUser != nil && *a.NewUser != info.NewUser {
		return false, nil
	}
	if a.NotificationOptIn != nil && *a.NotificationOptIn != info.NotificationOptIn {
		return false, nil
	}
	if len(a.LocaleLanguages) > 0 {
		ok := false
		for _, l := range a.LocaleLanguages {
			if strings.EqualFold(l, info.LocaleLanguage) {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	if len(a.Tags) > 0 {
		ok := false
		for _, want := range a.Tags {
			for _, have := range info.Tags {
				if want == have {
					ok = true
				}
			}
		}
		if !ok {
			return false, nil
		}
	}
	if a.AppVersion != nil && !a.AppVersion.Evaluate(map[string]any{"version": info.AppVersion}) {
		return false, nil
	}
	return true, nil
}
