package correlation

import (
	"fmt"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
)

// detectorFunc evaluates one detector against the shard's recent window
// (which already includes the just-appended current record) and the
// classified event under consideration. It returns ok=false when the
// detector does not fire.
type detectorFunc func(cfg DetectorConfig, recent []record, event *models.SecurityEvent, now time.Time) (models.Correlation, bool)

// orderedDetectors lists the detector chain in priority order; the engine
// runs them in this order and the first to fire wins.
var orderedDetectors = []detectorFunc{
	detectAttackChain,
	detectLateralMovement,
	detectPrivilegeEscalation,
	detectTemporalBurst,
	detectMLAnomaly,
}

func detectAttackChain(cfg DetectorConfig, recent []record, event *models.SecurityEvent, now time.Time) (models.Correlation, bool) {
	if len(cfg.ChainTypes) < 2 {
		return models.Correlation{}, false
	}
	window := windowed(recent, now, cfg.ChainWindow)
	matchedIDs := make([]string, 0, len(cfg.ChainTypes))
	matchedTechniques := []string{}
	stageIdx := 0
	for _, r := range window {
		if stageIdx >= len(cfg.ChainTypes) {
			break
		}
		if r.EventType == cfg.ChainTypes[stageIdx] {
			matchedIDs = append(matchedIDs, r.UniqueID)
			matchedTechniques = append(matchedTechniques, r.Mitre...)
			stageIdx++
		}
	}
	if stageIdx < len(cfg.ChainTypes) {
		return models.Correlation{}, false
	}
	return models.Correlation{
		Type:             models.CorrelationAttackChain,
		EventIDs:         matchedIDs,
		Window:           cfg.ChainWindow,
		AttackChainStage: cfg.ChainTypes[len(cfg.ChainTypes)-1],
		MitreTechniques:  dedupe(matchedTechniques),
	}, true
}

func detectLateralMovement(cfg DetectorConfig, recent []record, event *models.SecurityEvent, now time.Time) (models.Correlation, bool) {
	if event.Log == nil || event.EventType != models.EventAuthenticationSuccess {
		return models.Correlation{}, false
	}
	window := windowed(recent, now, cfg.LateralWindow)
	hosts := map[string]string{} // host -> unique id of first sighting
	for _, r := range window {
		if r.EventType != models.EventAuthenticationSuccess.String() {
			continue
		}
		if _, seen := hosts[r.Host]; !seen {
			hosts[r.Host] = r.UniqueID
		}
	}
	if len(hosts) < 2 {
		return models.Correlation{}, false
	}
	ids := make([]string, 0, len(hosts))
	for _, id := range hosts {
		ids = append(ids, id)
	}
	return models.Correlation{
		Type:     models.CorrelationLateralMovement,
		EventIDs: ids,
		Window:   cfg.LateralWindow,
	}, true
}

func detectPrivilegeEscalation(cfg DetectorConfig, recent []record, event *models.SecurityEvent, now time.Time) (models.Correlation, bool) {
	if event.Log == nil || event.EventType != models.EventPrivilegeEscalation {
		return models.Correlation{}, false
	}
	window := windowed(recent, now, cfg.EscalationWindow)
	var authID string
	for _, r := range window {
		if r.EventType == models.EventAuthenticationSuccess.String() {
			authID = r.UniqueID
		}
	}
	if authID == "" {
		return models.Correlation{}, false
	}
	return models.Correlation{
		Type:     models.CorrelationPrivilegeEscalation,
		EventIDs: []string{authID, event.Log.UniqueID},
		Window:   cfg.EscalationWindow,
	}, true
}

func detectTemporalBurst(cfg DetectorConfig, recent []record, event *models.SecurityEvent, now time.Time) (models.Correlation, bool) {
	if event.Log == nil {
		return models.Correlation{}, false
	}
	window := windowed(recent, now, cfg.BurstWindow)
	ids := make([]string, 0, len(window))
	for _, r := range window {
		if r.EventType == event.EventType.String() && r.Host == event.Log.Host {
			ids = append(ids, r.UniqueID)
		}
	}
	if len(ids) < cfg.BurstThreshold {
		return models.Correlation{}, false
	}
	return models.Correlation{
		Type:     models.CorrelationTemporalBurst,
		EventIDs: ids,
		Window:   cfg.BurstWindow,
	}, true
}

func detectMLAnomaly(cfg DetectorConfig, recent []record, event *models.SecurityEvent, now time.Time) (models.Correlation, bool) {
	if event.AnomalyScore < cfg.MLThreshold {
		return models.Correlation{}, false
	}
	id := ""
	if event.Log != nil {
		id = event.Log.UniqueID
	}
	return models.Correlation{
		Type:     models.CorrelationMLDetected,
		EventIDs: []string{id},
		Window:   0,
	}, true
}

func windowed(recent []record, now time.Time, horizon time.Duration) []record {
	cutoff := now.Add(-horizon)
	out := make([]record, 0, len(recent))
	for _, r := range recent {
		if r.Time.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// buildContext renders the correlation-context string: "Part of <type>
// pattern, with <p>% confidence, involving <n> related events, within
// <t> [minutes|hours][, as part of <stage>][, matching techniques: <=3>]."
func buildContext(c models.Correlation, confidencePct int) string {
	unit := "minutes"
	value := c.Window.Minutes()
	if c.Window >= time.Hour {
		unit = "hours"
		value = c.Window.Hours()
	}
	s := fmt.Sprintf("Part of %s pattern, with %d%% confidence, involving %d related events, within %.0f %s",
		c.Type, confidencePct, len(c.EventIDs), value, unit)
	if c.AttackChainStage != "" {
		s += fmt.Sprintf(", as part of %s", c.AttackChainStage)
	}
	if len(c.MitreTechniques) > 0 {
		n := len(c.MitreTechniques)
		if n > 3 {
			n = 3
		}
		s += ", matching techniques: "
		for i := 0; i < n; i++ {
			if i > 0 {
				s += ", "
			}
			s += c.MitreTechniques[i]
		}
	}
	s += "."
	return s
}
