package rules

import "github.com/iff-guardian/castellan/internal/models"

// legacyKey is the (event id, channel) pair the compile-time fallback table
// is keyed by. Channel is the lower-cased form used throughout this package.
type legacyKey struct {
	eventID int
	channel string
}

// legacyRules is the hard-coded fallback consulted only when no database
// rule matches for the Security and PowerShell Operational channels — see
// the design note retaining it as an immutable compile-time table rather
// than mutable seed data.
var legacyRules = map[legacyKey]models.SecurityEventRule{
	{4624, "security"}: {
		EventID: 4624, Channel: "Security", EventType: models.EventAuthenticationSuccess,
		Risk: models.RiskMedium, Confidence: 95, Summary: "Successful account logon", Priority: 100, Enabled: true,
		MitreTechniques: []string{"T1078"}, RecommendedActions: []string{"Review logon context"},
	},
	{4625, "security"}: {
		EventID: 4625, Channel: "Security", EventType: models.EventAuthenticationFailure,
		Risk: models.RiskHigh, Confidence: 95, Summary: "Failed account logon", Priority: 100, Enabled: true,
		MitreTechniques: []string{"T1110"}, RecommendedActions: []string{"Monitor for repeated failures"},
	},
	{4672, "security"}: {
		EventID: 4672, Channel: "Security", EventType: models.EventPrivilegeEscalation,
		Risk: models.RiskCritical, Confidence: 95, Summary: "Special privileges assigned to new logon", Priority: 100, Enabled: true,
		MitreTechniques: []string{"T1068"}, RecommendedActions: []string{"Verify privilege assignment is expected"},
	},
	{4688, "security"}: {
		EventID: 4688, Channel: "Security", EventType: models.EventProcessCreation,
		Risk: models.RiskHigh, Confidence: 95, Summary: "New process created", Priority: 100, Enabled: true,
		MitreTechniques: []string{"T1059"}, RecommendedActions: []string{"Review process lineage"},
	},
	{4103, "microsoft-windows-powershell/operational"}: {
		EventID: 4103, Channel: "Microsoft-Windows-PowerShell/Operational", EventType: models.EventPowerShellExecution,
		Risk: models.RiskHigh, Confidence: 80, Summary: "PowerShell module logged", Priority: 100, Enabled: true,
		MitreTechniques: []string{"T1059.001"}, RecommendedActions: []string{"Review script block content"},
	},
	{4104, "microsoft-windows-powershell/operational"}: {
		EventID: 4104, Channel: "Microsoft-Windows-PowerShell/Operational", EventType: models.EventPowerShellExecution,
		Risk: models.RiskHigh, Confidence: 80, Summary: "PowerShell script block logged", Priority: 100, Enabled: true,
		MitreTechniques: []string{"T1059.001"}, RecommendedActions: []string{"Review script block content"},
	},
}

// legacyFallback looks up the compile-time fallback table, restricted to the
// Security and PowerShell Operational channels.
func legacyFallback(eventID int, channel string) (models.SecurityEventRule, bool) {
	key := models.NewRuleKey(eventID, channel)
	r, ok := legacyRules[legacyKey{eventID: key.EventID, channel: key.Channel}]
	return r, ok
}
