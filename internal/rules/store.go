// Package rules implements the rule store and detector (C4): a
// cache-fronted, database-backed rule catalog with deterministic context
// refinements layered on top.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/database"
)

// Store is the Postgres-backed rule catalog.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, event_id, channel, event_type, risk_level, confidence, summary, mitre_techniques, recommended_actions, priority, is_enabled, created_at, updated_at`

// All returns every rule regardless of enabled state, ordered by priority
// descending then event id ascending — this backs the all_rules cache view.
func (s *Store) All(ctx context.Context) ([]models.SecurityEventRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM security_event_rules ORDER BY priority DESC, event_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// Enabled returns only enabled rules — the enabled_rules cache view.
func (s *Store) Enabled(ctx context.Context) ([]models.SecurityEventRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM security_event_rules WHERE is_enabled ORDER BY priority DESC, event_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query enabled rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// Upsert inserts or updates a rule by id (0 means insert).
func (s *Store) Upsert(ctx context.Context, r models.SecurityEventRule) (int64, error) {
	mitre, err := json.Marshal(r.MitreTechniques)
	if err != nil {
		return 0, fmt.Errorf("marshal mitre techniques: %w", err)
	}
	actions, err := json.Marshal(r.RecommendedActions)
	if err != nil {
		return 0, fmt.Errorf("marshal recommended actions: %w", err)
	}

	if r.ID == 0 {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO security_event_rules
				(event_id, channel, event_type, risk_level, confidence, summary, mitre_techniques, recommended_actions, priority, is_enabled, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now())
			RETURNING id`,
			r.EventID, r.Channel, r.EventType.String(), r.Risk.String(), r.Confidence, r.Summary, mitre, actions, r.Priority, r.Enabled,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert rule: %w", err)
		}
		return id, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE security_event_rules SET
			event_id=$1, channel=$2, event_type=$3, risk_level=$4, confidence=$5, summary=$6,
			mitre_techniques=$7, recommended_actions=$8, priority=$9, is_enabled=$10, updated_at=now()
		WHERE id=$11`,
		r.EventID, r.Channel, r.EventType.String(), r.Risk.String(), r.Confidence, r.Summary, mitre, actions, r.Priority, r.Enabled, r.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	return r.ID, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM security_event_rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return nil
}

func scanRules(rows *sql.Rows) ([]models.SecurityEventRule, error) {
	var out []models.SecurityEventRule
	for rows.Next() {
		var r models.SecurityEventRule
		var eventType, risk string
		var mitre, actions []byte
		if err := rows.Scan(&r.ID, &r.EventID, &r.Channel, &eventType, &risk, &r.Confidence, &r.Summary, &mitre, &actions, &r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		r.EventType = models.ParseSecurityEventType(eventType)
		r.Risk = models.ParseRiskLevel(risk)
		if len(mitre) > 0 {
			_ = json.Unmarshal(mitre, &r.MitreTechniques)
		}
		if len(actions) > 0 {
			_ = json.Unmarshal(actions, &r.RecommendedActions)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BestMatch picks the enabled rule of highest priority for (eventID,
// channel), ties broken by lowest event id; channel match is
// case-insensitive.
func BestMatch(rules []models.SecurityEventRule, eventID int, channel string) (models.SecurityEventRule, bool) {
	channel = strings.ToLower(channel)
	var best models.SecurityEventRule
	found := false
	for _, r := range rules {
		if !r.Enabled || r.EventID != eventID || strings.ToLower(r.Channel) != channel {
			continue
		}
		if !found || r.Priority > best.Priority || (r.Priority == best.Priority && r.EventID < best.EventID) {
			best = r
			found = true
		}
	}
	return best, found
}
