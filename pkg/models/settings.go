package models

import "time"

// Settings is the singleton feature configuration row. It is re-read at the
// start of every cycle and never cached across cycles.
type Settings struct {
	FeatureEnabled   bool                  `json:"feature_enabled"`
	BatchSize        int                   `json:"batch_size"`
	StuckAfter       time.Duration         `json:"stuck_after"`
	ProcessingDelay  time.Duration         `json:"processing_delay"`
	MaxAttempts      int                   `json:"max_attempts"`
	ProvidersEnabled map[ProviderName]bool `json:"providers_enabled"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// ProviderEnabled reports whether the operator switched the provider on.
func (s *Settings) ProviderEnabled(name ProviderName) bool {
	return s.ProvidersEnabled[name]
}

// EnabledProviders returns the enabled providers in canonical order.
func (s *Settings) EnabledProviders() []ProviderName {
	var out []ProviderName
	for _, p := range AllProviders() {
		if s.ProvidersEnabled[p] {
			out = append(out, p)
		}
	}
	return out
}
