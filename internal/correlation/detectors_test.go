package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iff-guardian/castellan/internal/models"
)

func rec(id, host, user, eventType string, t time.Time, mitre ...string) record {
	return record{UniqueID: id, Host: host, User: user, EventType: eventType, Time: t, Mitre: mitre}
}

func TestDetectAttackChain(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := []record{
		rec("1", "h1", "alice", "AuthenticationFailure", now.Add(-10*time.Minute)),
		rec("2", "h1", "alice", "AuthenticationSuccess", now.Add(-5*time.Minute)),
		rec("3", "h1", "alice", "PrivilegeEscalation", now),
	}
	event := &models.SecurityEvent{EventType: models.EventPrivilegeEscalation}

	corr, ok := detectAttackChain(cfg, recent, event, now)
	assert.True(t, ok)
	assert.Equal(t, models.CorrelationAttackChain, corr.Type)
	assert.Equal(t, []string{"1", "2", "3"}, corr.EventIDs)
	assert.Equal(t, "PrivilegeEscalation", corr.AttackChainStage)
}

func TestDetectAttackChain_OutOfOrderDoesNotMatch(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := []record{
		rec("1", "h1", "alice", "AuthenticationSuccess", now.Add(-5*time.Minute)),
		rec("2", "h1", "alice", "AuthenticationFailure", now.Add(-2*time.Minute)),
	}
	event := &models.SecurityEvent{}

	_, ok := detectAttackChain(cfg, recent, event, now)
	assert.False(t, ok)
}

func TestDetectAttackChain_OutsideWindowExcluded(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := []record{
		rec("1", "h1", "alice", "AuthenticationFailure", now.Add(-20*time.Minute)),
		rec("2", "h1", "alice", "AuthenticationSuccess", now.Add(-2*time.Minute)),
		rec("3", "h1", "alice", "PrivilegeEscalation", now),
	}
	event := &models.SecurityEvent{}

	_, ok := detectAttackChain(cfg, recent, event, now)
	assert.False(t, ok, "the first stage falls outside ChainWindow so the chain must not complete")
}

func TestDetectLateralMovement(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := []record{
		rec("1", "host-a", "alice", "AuthenticationSuccess", now.Add(-10*time.Minute)),
		rec("2", "host-b", "alice", "AuthenticationSuccess", now),
	}
	event := &models.SecurityEvent{
		EventType: models.EventAuthenticationSuccess,
		Log:       &models.LogEvent{Host: "host-b", User: "alice"},
	}

	corr, ok := detectLateralMovement(cfg, recent, event, now)
	assert.True(t, ok)
	assert.Equal(t, models.CorrelationLateralMovement, corr.Type)
	assert.Len(t, corr.EventIDs, 2)
}

func TestDetectLateralMovement_SingleHostDoesNotFire(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := []record{
		rec("1", "host-a", "alice", "AuthenticationSuccess", now.Add(-10*time.Minute)),
		rec("2", "host-a", "alice", "AuthenticationSuccess", now),
	}
	event := &models.SecurityEvent{
		EventType: models.EventAuthenticationSuccess,
		Log:       &models.LogEvent{Host: "host-a", User: "alice"},
	}

	_, ok := detectLateralMovement(cfg, recent, event, now)
	assert.False(t, ok)
}

func TestDetectLateralMovement_WrongEventTypeSkipped(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	event := &models.SecurityEvent{
		EventType: models.EventProcessCreation,
		Log:       &models.LogEvent{Host: "host-a", User: "alice"},
	}
	_, ok := detectLateralMovement(cfg, nil, event, now)
	assert.False(t, ok)
}

func TestDetectPrivilegeEscalation(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := []record{
		rec("1", "h1", "alice", "AuthenticationSuccess", now.Add(-3*time.Minute)),
		rec("2", "h1", "alice", "PrivilegeEscalation", now),
	}
	event := &models.SecurityEvent{
		EventType: models.EventPrivilegeEscalation,
		Log:       &models.LogEvent{UniqueID: "2", Host: "h1", User: "alice"},
	}

	corr, ok := detectPrivilegeEscalation(cfg, recent, event, now)
	assert.True(t, ok)
	assert.Equal(t, models.CorrelationPrivilegeEscalation, corr.Type)
	assert.Equal(t, []string{"1", "2"}, corr.EventIDs)
}

func TestDetectPrivilegeEscalation_NoPriorAuthDoesNotFire(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	recent := []record{rec("2", "h1", "alice", "PrivilegeEscalation", now)}
	event := &models.SecurityEvent{
		EventType: models.EventPrivilegeEscalation,
		Log:       &models.LogEvent{UniqueID: "2"},
	}
	_, ok := detectPrivilegeEscalation(cfg, recent, event, now)
	assert.False(t, ok)
}

func TestDetectTemporalBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstThreshold = 3
	now := time.Now()

	var recent []record
	for i := 0; i < 3; i++ {
		recent = append(recent, rec(
			"id"+string(rune('a'+i)), "h1", "", "AuthenticationFailure", now.Add(-time.Duration(i)*time.Second),
		))
	}
	event := &models.SecurityEvent{
		EventType: models.EventAuthenticationFailure,
		Log:       &models.LogEvent{Host: "h1"},
	}

	corr, ok := detectTemporalBurst(cfg, recent, event, now)
	assert.True(t, ok)
	assert.Equal(t, models.CorrelationTemporalBurst, corr.Type)
	assert.Len(t, corr.EventIDs, 3)
}

func TestDetectTemporalBurst_BelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstThreshold = 5
	now := time.Now()
	recent := []record{rec("1", "h1", "", "AuthenticationFailure", now)}
	event := &models.SecurityEvent{
		EventType: models.EventAuthenticationFailure,
		Log:       &models.LogEvent{Host: "h1"},
	}
	_, ok := detectTemporalBurst(cfg, recent, event, now)
	assert.False(t, ok)
}

func TestDetectMLAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	event := &models.SecurityEvent{AnomalyScore: 0.95, Log: &models.LogEvent{UniqueID: "x"}}
	corr, ok := detectMLAnomaly(cfg, nil, event, time.Now())
	assert.True(t, ok)
	assert.Equal(t, models.CorrelationMLDetected, corr.Type)
	assert.Equal(t, []string{"x"}, corr.EventIDs)
}

func TestDetectMLAnomaly_BelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	event := &models.SecurityEvent{AnomalyScore: 0.1}
	_, ok := detectMLAnomaly(cfg, nil, event, time.Now())
	assert.False(t, ok)
}

func TestDedupePreservesOrder(t *testing.T) {
	got := dedupe([]string{"T1", "T2", "T1", "T3", "T2"})
	assert.Equal(t, []string{"T1", "T2", "T3"}, got)
}

func TestBuildContext(t *testing.T) {
	c := models.Correlation{
		Type:             models.CorrelationAttackChain,
		EventIDs:         []string{"1", "2", "3"},
		Window:           15 * time.Minute,
		AttackChainStage: "PrivilegeEscalation",
		MitreTechniques:  []string{"T1078", "T1068"},
	}
	s := buildContext(c, 90)
	assert.Contains(t, s, "attackChain")
	assert.Contains(t, s, "90% confidence")
	assert.Contains(t, s, "3 related events")
	assert.Contains(t, s, "15 minutes")
	assert.Contains(t, s, "as part of PrivilegeEscalation")
	assert.Contains(t, s, "T1078, T1068")
}

func TestBuildContext_HoursUnit(t *testing.T) {
	c := models.Correlation{Type: models.CorrelationLateralMovement, EventIDs: []string{"1"}, Window: 2 * time.Hour}
	s := buildContext(c, 50)
	assert.Contains(t, s, "2 hours")
}
