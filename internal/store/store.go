// Package store implements the security event store (C7): a Postgres-backed
// write/read path plus a broadcast decorator that fans out a sanitized
// projection to live subscribers.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/database"
)

// Filter holds the case-insensitive read-path filter keys named in the
// component contract. Zero values are "don't filter on this key".
type Filter struct {
	RiskLevel      string
	Severity       string
	EventType      string
	StartTime      time.Time
	EndTime        time.Time
	SourceIP       string
	MitreTechnique string
	Limit          int
	Offset         int
}

// PostgresStore is the durable SecurityEvent store. Retention is enforced by
// an external sweep (see SweepRetention), not on the read path.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddSecurityEvent implements pipeline.Store: assigns an id if absent,
// serializes the event, and inserts it. It returns only after the insert
// commits — broadcast, if any, happens in the decorator on top of this.
func (s *PostgresStore) AddSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	mitre, err := json.Marshal(event.MitreTechniques)
	if err != nil {
		return fmt.Errorf("marshal mitre techniques: %w", err)
	}
	actions, err := json.Marshal(event.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshal recommended actions: %w", err)
	}
	enrichment, err := json.Marshal(event.Enrichment)
	if err != nil {
		return fmt.Errorf("marshal enrichment: %w", err)
	}
	correlationIDs, err := json.Marshal(event.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("marshal correlation ids: %w", err)
	}

	var host, user, rawPayload string
	var eventID int
	var channel string
	var occurredAt time.Time
	if event.Log != nil {
		host = event.Log.Host
		user = event.Log.User
		eventID = event.Log.EventID
		channel = event.Log.Channel
		rawPayload = event.Log.RawPayload
		occurredAt = event.Log.Time
	}
	if occurredAt.IsZero() {
		occurredAt = event.CreatedAt
	}

	const q = `
INSERT INTO security_events (
	id, occurred_at, created_at, host, username, channel, event_id,
	event_type, risk_level, confidence, summary, source_ip, destination_ip,
	mitre_techniques, recommended_actions, correlation_score, burst_score,
	anomaly_score, is_deterministic, is_correlation_based, is_enhanced,
	correlation_ids, correlation_context, enrichment, raw_payload
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`

	_, err = s.db.ExecContext(ctx, q,
		event.ID, occurredAt, event.CreatedAt, host, user, channel, eventID,
		event.EventType.String(), event.Risk.String(), event.Confidence, event.Summary,
		event.SourceIP, event.DestinationIP, mitre, actions, event.CorrelationScore,
		event.BurstScore, event.AnomalyScore, event.IsDeterministic, event.IsCorrelationBased,
		event.IsEnhanced, correlationIDs, event.CorrelationContext, enrichment, rawPayload,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// List returns events matching filter, sorted by occurred_at descending.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*models.SecurityEvent, error) {
	where, args := buildWhere(f)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	q := fmt.Sprintf(`
SELECT id, occurred_at, created_at, host, username, channel, event_id,
	event_type, risk_level, confidence, summary, source_ip, destination_ip,
	mitre_techniques, recommended_actions, correlation_score, burst_score,
	anomaly_score, is_deterministic, is_correlation_based, is_enhanced,
	correlation_ids, correlation_context, enrichment, raw_payload
FROM security_events
%s
ORDER BY occurred_at DESC
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var out []*models.SecurityEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// GetRiskLevelCounts returns a mapping from lowercased risk label to count,
// computed from a single grouped query.
func (s *PostgresStore) GetRiskLevelCounts(ctx context.Context, f Filter) (map[string]int, error) {
	where, args := buildWhere(f)
	q := fmt.Sprintf(`SELECT risk_level, COUNT(*) FROM security_events %s GROUP BY risk_level`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query risk counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		counts[strings.ToLower(level)] = count
	}
	return counts, rows.Err()
}

// SweepRetention deletes events older than the retention window. Intended
// to be called on a periodic external schedule, not the read path.
func (s *PostgresStore) SweepRetention(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE occurred_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweep retention: %w", err)
	}
	return res.RowsAffected()
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.RiskLevel != "" {
		add("LOWER(risk_level) = LOWER($%d)", f.RiskLevel)
	}
	if f.Severity != "" {
		add("LOWER(risk_level) = LOWER($%d)", f.Severity)
	}
	if f.EventType != "" {
		add("LOWER(event_type) = LOWER($%d)", f.EventType)
	}
	if !f.StartTime.IsZero() {
		add("occurred_at >= $%d", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		add("occurred_at <= $%d", f.EndTime)
	}
	if f.SourceIP != "" {
		add("source_ip = $%d", f.SourceIP)
	}
	if f.MitreTechnique != "" {
		add("mitre_techniques::text ILIKE '%%' || $%d || '%%'", f.MitreTechnique)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.SecurityEvent, error) {
	var (
		id, host, user, channel, eventType, riskLevel, summary, correlationContext, rawPayload string
		sourceIP, destinationIP                                                                string
		eventID, confidence                                                                    int
		occurredAt, createdAt                                                                  time.Time
		mitreJSON, actionsJSON, correlationIDsJSON, enrichmentJSON                             []byte
		correlationScore, burstScore, anomalyScore                                             float64
		isDeterministic, isCorrelationBased, isEnhanced                                        bool
	)
	if err := row.Scan(
		&id, &occurredAt, &createdAt, &host, &user, &channel, &eventID,
		&eventType, &riskLevel, &confidence, &summary, &sourceIP, &destinationIP,
		&mitreJSON, &actionsJSON, &correlationScore, &burstScore, &anomalyScore,
		&isDeterministic, &isCorrelationBased, &isEnhanced,
		&correlationIDsJSON, &correlationContext, &enrichmentJSON, &rawPayload,
	); err != nil {
		return nil, fmt.Errorf("scan security event: %w", err)
	}

	event := &models.SecurityEvent{
		ID:                 id,
		EventType:          models.ParseSecurityEventType(eventType),
		Risk:               models.ParseRiskLevel(riskLevel),
		Confidence:         confidence,
		Summary:            summary,
		SourceIP:           sourceIP,
		DestinationIP:      destinationIP,
		CorrelationScore:   correlationScore,
		BurstScore:         burstScore,
		AnomalyScore:       anomalyScore,
		IsDeterministic:    isDeterministic,
		IsCorrelationBased: isCorrelationBased,
		IsEnhanced:         isEnhanced,
		CorrelationContext: correlationContext,
		CreatedAt:          createdAt,
		Log: &models.LogEvent{
			Time:       occurredAt,
			Host:       host,
			Channel:    channel,
			EventID:    eventID,
			User:       user,
			RawPayload: rawPayload,
		},
	}
	_ = json.Unmarshal(mitreJSON, &event.MitreTechniques)
	_ = json.Unmarshal(actionsJSON, &event.RecommendedActions)
	_ = json.Unmarshal(correlationIDsJSON, &event.CorrelationIDs)
	_ = json.Unmarshal(enrichmentJSON, &event.Enrichment)
	return event, nil
}
