package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iff-guardian/castellan/internal/models"
)

func TestRefineLogon_AdministratorsGroupRaisesRisk(t *testing.T) {
	event := &models.SecurityEvent{
		Risk:       models.RiskMedium,
		Confidence: 95,
		Log:        &models.LogEvent{Message: "Group Membership: S-1-5-32-544 Administrators", Time: time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)},
	}
	refineLogon(event)
	assert.Equal(t, models.RiskHigh, event.Risk)
	assert.Equal(t, 95, event.Confidence, "the admin-SID branch caps confidence at 95, not the global 100 ceiling")
	assert.Contains(t, event.MitreTechniques, "T1068")
}

func TestRefineLogon_AdminBranchCapsAtNinetyFiveEvenFromHighBaseline(t *testing.T) {
	event := &models.SecurityEvent{
		Risk:       models.RiskMedium,
		Confidence: 90,
		Log:        &models.LogEvent{Message: "S-1-5-32-544", Time: time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)},
	}
	refineLogon(event)
	assert.Equal(t, 95, event.Confidence)
}

func TestRefineLogon_OffHoursRaisesRisk(t *testing.T) {
	event := &models.SecurityEvent{
		Risk:       models.RiskMedium,
		Confidence: 80,
		Log:        &models.LogEvent{Message: "plain logon", Time: time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)},
	}
	refineLogon(event)
	assert.Equal(t, models.RiskMedium, event.Risk)
	assert.Equal(t, 85, event.Confidence)
	assert.Contains(t, event.MitreTechniques, "T1078")
}

func TestRefineLogon_BusinessHoursNoChange(t *testing.T) {
	event := &models.SecurityEvent{
		Risk:       models.RiskMedium,
		Confidence: 80,
		Log:        &models.LogEvent{Message: "plain logon", Time: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	refineLogon(event)
	assert.Equal(t, models.RiskMedium, event.Risk)
	assert.Equal(t, 80, event.Confidence)
	assert.Empty(t, event.MitreTechniques)
}

func TestRefineLogonFailure_BruteForceMarkers(t *testing.T) {
	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "Failure Reason: 0xC000006A bad password"}}
	refineLogonFailure(event)
	assert.Equal(t, models.RiskCritical, event.Risk)
	assert.Equal(t, 95, event.Confidence)
	assert.Contains(t, event.MitreTechniques, "T1110.001")
	assert.Contains(t, event.RecommendedActions, "Block source IP")
}

func TestRefineLogonFailure_NoMarkersLeavesEventUnchanged(t *testing.T) {
	event := &models.SecurityEvent{Risk: models.RiskHigh, Confidence: 95, Log: &models.LogEvent{Message: "unknown reason"}}
	refineLogonFailure(event)
	assert.Equal(t, models.RiskHigh, event.Risk)
	assert.Empty(t, event.MitreTechniques)
}

func TestRefineSpecialPrivileges_HighPrivilegeSID(t *testing.T) {
	event := &models.SecurityEvent{Log: &models.LogEvent{Message: "Privileges: SeDebugPrivilege SeChangeNotifyPrivilege"}}
	refineSpecialPrivileges(event)
	assert.Equal(t, models.RiskCritical, event.Risk)
	assert.Equal(t, 95, event.Confidence)
	assert.Contains(t, event.MitreTechniques, "T1068")
}

func TestRefineSpecialPrivileges_AllNormalLowersRisk(t *testing.T) {
	event := &models.SecurityEvent{
		Risk: models.RiskCritical, Confidence: 95,
		Log: &models.LogEvent{Message: "Privileges: SeChangeNotifyPrivilege SeShutdownPrivilege"},
	}
	refineSpecialPrivileges(event)
	assert.Equal(t, models.RiskLow, event.Risk)
	assert.Equal(t, 60, event.Confidence)
	assert.Equal(t, []string{"T1078"}, event.MitreTechniques)
	assert.Equal(t, []string{"Monitor for unusual patterns"}, event.RecommendedActions)
}

func TestRefineSpecialPrivileges_NoPrivilegeTokensUnchanged(t *testing.T) {
	event := &models.SecurityEvent{Risk: models.RiskMedium, Log: &models.LogEvent{Message: "no privilege tokens here"}}
	refineSpecialPrivileges(event)
	assert.Equal(t, models.RiskMedium, event.Risk)
}

func TestRefinePowerShellScriptBlock_SuspiciousBeatsDownload(t *testing.T) {
	event := &models.SecurityEvent{Confidence: 80, Log: &models.LogEvent{Message: "Invoke-Expression (New-Object Net.WebClient).DownloadString(...)"}}
	refinePowerShellScriptBlock(event)
	assert.Equal(t, models.RiskHigh, event.Risk)
	assert.Equal(t, 95, event.Confidence)
	assert.Contains(t, event.MitreTechniques, "T1140")
	assert.Contains(t, event.MitreTechniques, "T1027")
}

func TestRefinePowerShellScriptBlock_DownloadCmdletOnly(t *testing.T) {
	event := &models.SecurityEvent{Confidence: 80, Log: &models.LogEvent{Message: "Invoke-WebRequest http://evil"}}
	refinePowerShellScriptBlock(event)
	assert.Equal(t, models.RiskMedium, event.Risk)
	assert.Contains(t, event.MitreTechniques, "T1105")
}

func TestRefinePowerShellModule_OffensiveToolingFlagged(t *testing.T) {
	event := &models.SecurityEvent{Confidence: 80, Log: &models.LogEvent{Message: "module loaded: Invoke-Mimikatz"}}
	refinePowerShellModule(event)
	assert.Equal(t, models.RiskMedium, event.Risk)
	assert.Contains(t, event.MitreTechniques, "T1562")
}

func TestApplyContextRefinements_NoLogIsNoOp(t *testing.T) {
	event := &models.SecurityEvent{Risk: models.RiskLow}
	applyContextRefinements(event)
	assert.Equal(t, models.RiskLow, event.Risk)
}

func TestApplyContextRefinements_UnmappedEventIDIsNoOp(t *testing.T) {
	event := &models.SecurityEvent{Risk: models.RiskLow, Log: &models.LogEvent{EventID: 9999, Message: "bad password"}}
	applyContextRefinements(event)
	assert.Equal(t, models.RiskLow, event.Risk)
}

func TestAllAssertedPrivilegesNormal_Idempotent(t *testing.T) {
	event := &models.SecurityEvent{Risk: models.RiskCritical, Confidence: 95, Log: &models.LogEvent{Message: "Privileges: SeShutdownPrivilege"}}
	refineSpecialPrivileges(event)
	first := event.Risk
	refineSpecialPrivileges(event)
	assert.Equal(t, first, event.Risk, "refinements must be idempotent on repeated application")
}
