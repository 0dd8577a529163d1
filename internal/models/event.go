package models

import "time"

// RawEvent is the immutable record captured off the host log source by the
// channel watcher. It is owned exclusively by the pipeline from enqueue
// until the derived SecurityEvent is handed to the store.
type RawEvent struct {
	UniqueID    string
	EventID     int
	Provider    string
	Channel     string
	Level       byte
	Created     time.Time
	Machine     string
	UserID      string
	Opcode      int
	Task        int
	Keywords    uint64
	Message     string
	RawPayload  string
	BookmarkPos string // subscription-specific resume token for this delivery
}

// LogEvent is the normalized, read-only input to detection. Once created it
// is shared by reference between the SecurityEvent it produced and any
// correlation bookkeeping that refers back to it.
type LogEvent struct {
	Time       time.Time
	Host       string
	Channel    string
	EventID    int
	Severity   string
	User       string
	Message    string
	RawPayload string
	UniqueID   string
}

// SecurityEvent is the classified record produced by C3 and refined by C4/C5.
type SecurityEvent struct {
	ID         string
	Log        *LogEvent
	EventType  SecurityEventType
	Risk       RiskLevel
	Confidence int
	Summary    string

	MitreTechniques    []string
	RecommendedActions []string

	IsDeterministic    bool
	IsCorrelationBased bool
	IsEnhanced         bool

	CorrelationScore float64
	BurstScore       float64
	AnomalyScore     float64

	SourceIP      string
	DestinationIP string

	Enrichment         map[string]string
	CorrelationIDs     []string
	CorrelationContext string

	CreatedAt time.Time
}

// AddTechnique appends a MITRE technique id if not already present,
// preserving insertion order.
func (e *SecurityEvent) AddTechnique(id string) {
	for _, t := range e.MitreTechniques {
		if t == id {
			return
		}
	}
	e.MitreTechniques = append(e.MitreTechniques, id)
}

// SetTechniques replaces the technique set wholesale, deduplicating while
// preserving the order given.
func (e *SecurityEvent) SetTechniques(ids ...string) {
	e.MitreTechniques = nil
	for _, id := range ids {
		e.AddTechnique(id)
	}
}

// AddAction appends a recommended action if not already present.
func (e *SecurityEvent) AddAction(action string) {
	for _, a := range e.RecommendedActions {
		if a == action {
			return
		}
	}
	e.RecommendedActions = append(e.RecommendedActions, action)
}

// PrependAction inserts an urgency action ahead of the existing list,
// de-duplicating.
func (e *SecurityEvent) PrependAction(action string) {
	for _, a := range e.RecommendedActions {
		if a == action {
			return
		}
	}
	e.RecommendedActions = append([]string{action}, e.RecommendedActions...)
}

// RaiseConfidence increases confidence by delta, saturating at 100.
func (e *SecurityEvent) RaiseConfidence(delta int) {
	e.RaiseConfidenceUpTo(delta, 100)
}

// RaiseConfidenceUpTo increases confidence by delta, saturating at max
// instead of the usual 100 — some context refinements cap below the global
// ceiling (e.g. the 4624 admin-SID branch caps at 95).
func (e *SecurityEvent) RaiseConfidenceUpTo(delta, max int) {
	e.Confidence += delta
	if e.Confidence > max {
		e.Confidence = max
	}
	if e.Confidence < 0 {
		e.Confidence = 0
	}
}

// Valid reports whether the event satisfies the model invariants that can be
// violated: confidence in [0,100], and a non-empty correlation id set when
// IsCorrelationBased is set. Event type and risk are enums whose labels are
// never empty, so they are not checked.
func (e *SecurityEvent) Valid() bool {
	if e.Confidence < 0 || e.Confidence > 100 {
		return false
	}
	if e.IsCorrelationBased && len(e.CorrelationIDs) == 0 {
		return false
	}
	return true
}

// BroadcastProjection is the sanitized view fanned out to live subscribers;
// see the security_event and correlation_alert streams.
type BroadcastProjection struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	EventType          string    `json:"event_type"`
	RiskLevel          string    `json:"risk_level"`
	Confidence         int       `json:"confidence"`
	Summary            string    `json:"summary"`
	EventID            int       `json:"event_id"`
	Host               string    `json:"host"`
	User               string    `json:"user"`
	HasCorrelation     bool      `json:"has_correlation"`
	CorrelationContext string    `json:"correlation_context,omitempty"`
	Mitre              []string  `json:"mitre_techniques"`
	Actions            []string  `json:"recommended_actions"`
}

// Projection builds the sanitized broadcast view from a SecurityEvent.
func (e *SecurityEvent) Projection() BroadcastProjection {
	p := BroadcastProjection{
		ID:                 e.ID,
		Timestamp:          e.CreatedAt,
		EventType:          e.EventType.String(),
		RiskLevel:          e.Risk.String(),
		Confidence:         e.Confidence,
		Summary:            e.Summary,
		HasCorrelation:     e.IsCorrelationBased,
		CorrelationContext: e.CorrelationContext,
		Mitre:              e.MitreTechniques,
		Actions:            e.RecommendedActions,
	}
	if e.Log != nil {
		p.EventID = e.Log.EventID
		p.Host = e.Log.Host
		p.User = e.Log.User
	}
	return p
}
