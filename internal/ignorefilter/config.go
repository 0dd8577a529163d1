package ignorefilter

import "github.com/iff-guardian/castellan/internal/models"

// Config controls the filter's behavior and the recent-event queue bounds.
type Config struct {
	Enabled bool

	// FilterAllLocalEvents, when set, suppresses any event whose host
	// matches one of LocalMachineNames before pattern matching even runs.
	FilterAllLocalEvents bool
	LocalMachineNames    []string

	MaxRecentEvents           int
	SequenceTimeWindowSeconds int

	Patterns []models.SequentialIgnorePattern
}

func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		MaxRecentEvents:           500,
		SequenceTimeWindowSeconds: 300,
	}
}
