package models

import (
	"strings"
	"time"
)

// SecurityEventRule is a catalog entry keyed by (event_id, channel). Rows are
// not unique on that key; among duplicates the highest-priority enabled row
// wins, ties broken by lowest event id.
type SecurityEventRule struct {
	ID                 int64
	EventID            int
	Channel            string
	EventType          SecurityEventType
	Risk               RiskLevel
	Confidence         int
	Summary            string
	MitreTechniques    []string
	RecommendedActions []string
	Priority           int
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RuleKey identifies a cache slot and a lookup target: (event_id, channel).
// Channel comparisons are case-insensitive; callers should normalize via
// NewRuleKey rather than constructing this directly.
type RuleKey struct {
	EventID int
	Channel string
}

// NewRuleKey lower-cases the channel so map lookups are case-insensitive as
// required by the rule store contract.
func NewRuleKey(eventID int, channel string) RuleKey {
	return RuleKey{EventID: eventID, Channel: strings.ToLower(channel)}
}
