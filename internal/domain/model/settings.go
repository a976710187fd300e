package model

import (
	"encoding/json"
	"slices"
	"time"
)

type NotificationType string

const (
	NotifyIncrease NotificationType = "increase"
	NotifyDecrease NotificationType = "decrease"
	NotifyAll      NotificationType = "all"
)

// QuietHours is persisted but not enforced by the background tick.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// NotificationSettings is the per-installation notification configuration.
// Frequency is stored as milliseconds.
type NotificationSettings struct {
	Enabled    bool               `json:"enabled"`
	Frequency  time.Duration      `json:"-"`
	Types      []NotificationType `json:"types"`
	QuietHours QuietHours         `json:"quietHours"`
}

func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Enabled:   true,
		Frequency: time.Minute,
		Types:     []NotificationType{NotifyAll},
		QuietHours: QuietHours{
			Start: "22:00",
			End:   "08:00",
		},
	}
}

// Allows reports whether a change of the given type passes the type filter.
func (s NotificationSettings) Allows(t ChangeType) bool {
	if slices.Contains(s.Types, NotifyAll) {
		return true
	}
	return slices.Contains(s.Types, NotificationType(t))
}

// Filter returns the changes allowed by the type filter.
func (s NotificationSettings) Filter(changes []BalanceChange) []BalanceChange {
	if slices.Contains(s.Types, NotifyAll) {
		return changes
	}
	out := make([]BalanceChange, 0, len(changes))
	for _, c := range changes {
		if s.Allows(c.Type) {
			out = append(out, c)
		}
	}
	return out
}

type settingsJSON struct {
	Enabled    bool               `json:"enabled"`
	Frequency  int64              `json:"frequency"`
	Types      []NotificationType `json:"types"`
	QuietHours QuietHours         `json:"quietHours"`
}

func (s NotificationSettings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		Enabled:    s.Enabled,
		Frequency:  s.Frequency.Milliseconds(),
		Types:      s.Types,
		QuietHours: s.QuietHours,
	})
}

func (s *NotificationSettings) UnmarshalJSON(data []byte) error {
	var raw settingsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Enabled = raw.Enabled
	s.Frequency = time.Duration(raw.Frequency) * time.Millisecond
	s.Types = raw.Types
	s.QuietHours = raw.QuietHours
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	Enabled    *bool              `json:"enabled,omitempty"`
	Frequency  *int64             `json:"frequency,omitempty"`
	Types      []NotificationType `json:"types,omitempty"`
	QuietHours *QuietHours        `json:"quietHours,omitempty"`
}

// Apply merges the patch into s and returns the result.
func (p SettingsPatch) Apply(s NotificationSettings) NotificationSettings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Frequency != nil {
		s.Frequency = time.Duration(*p.Frequency) * time.Millisecond
	}
	if p.Types != nil {
		s.Types = slices.Clone(p.Types)
	}
	if p.QuietHours != nil {
		s.QuietHours = *p.QuietHours
	}
	return s
}
