package rules

import (
	"strings"

	"github.com/iff-guardian/castellan/internal/models"
)

// applyContextRefinements layers deterministic, message-content-driven
// adjustments on top of the rule-matched SecurityEvent, per event id. Every
// refinement here is idempotent: re-running it against the same (LogEvent,
// baseline) must produce the same result, which is why each branch sets
// absolute values where the spec calls for them instead of accumulating.
func applyContextRefinements(event *models.SecurityEvent) {
	if event.Log == nil {
		return
	}
	switch event.Log.EventID {
	case 4624:
		refineLogon(event)
	case 4625:
		refineLogonFailure(event)
	case 4672:
		refineSpecialPrivileges(event)
	case 4104:
		refinePowerShellScriptBlock(event)
	case 4103:
		refinePowerShellModule(event)
	}
}

var adminMarkers = []string{"S-1-5-32-544", "Administrators", "Administrator"}

func refineLogon(event *models.SecurityEvent) {
	msg := event.Log.Message
	if containsAny(msg, adminMarkers) {
		event.Risk = models.RiskHigh
		event.RaiseConfidenceUpTo(10, 95)
		event.AddTechnique("T1068")
		return
	}
	hour := event.Log.Time.Hour()
	if hour < 6 || hour > 18 {
		event.Risk = models.RiskMedium
		event.RaiseConfidence(5)
		event.AddTechnique("T1078")
	}
}

var bruteForceMarkers = []string{"bad password", "0xC000006A", "0xC0000234", "%%2313"}

func refineLogonFailure(event *models.SecurityEvent) {
	msg := event.Log.Message
	if containsAny(msg, bruteForceMarkers) {
		event.Risk = models.RiskCritical
		event.Confidence = 95
		event.AddTechnique("T1110.001")
		event.AddAction("Block source IP")
		event.AddAction("Enable lockout")
		event.AddAction("Investigate origin")
	}
}

var highPrivilegeSIDs = []string{"SeDebugPrivilege", "SeTcbPrivilege", "SeLoadDriverPrivilege", "SeTakeOwnershipPrivilege"}

var normalPrivileges = map[string]bool{
	"SeChangeNotifyPrivilege":       true,
	"SeShutdownPrivilege":           true,
	"SeUndockPrivilege":             true,
	"SeIncreaseWorkingSetPrivilege": true,
	"SeTimeZonePrivilege":           true,
}

func refineSpecialPrivileges(event *models.SecurityEvent) {
	msg := event.Log.Message
	if containsAny(msg, highPrivilegeSIDs) {
		event.Risk = models.RiskCritical
		event.Confidence = 95
		event.AddTechnique("T1068")
		return
	}
	if allAssertedPrivilegesNormal(msg) {
		event.Risk = models.RiskLow
		event.Confidence = 60
		event.SetTechniques("T1078")
		event.RecommendedActions = []string{"Monitor for unusual patterns"}
	}
}

// allAssertedPrivilegesNormal reports whether every "Se...Privilege" token
// present in msg is in the fixed normal set; it returns false if no
// privilege tokens are found at all (nothing to assert as "all normal").
func allAssertedPrivilegesNormal(msg string) bool {
	found := false
	for _, word := range strings.Fields(msg) {
		w := strings.Trim(word, ",.;")
		if !strings.HasPrefix(w, "Se") || !strings.HasSuffix(w, "Privilege") {
			continue
		}
		found = true
		if !normalPrivileges[w] {
			return false
		}
	}
	return found
}

var suspiciousScriptMarkers = []string{"Invoke-Expression", "IEX", "DownloadString", "FromBase64String", "-EncodedCommand", "-enc "}
var encodedCommandMarkers = []string{"-EncodedCommand", "-enc ", "FromBase64String"}
var downloadCmdletMarkers = []string{"Net.WebClient", "Invoke-WebRequest", "wget", "curl", "BitsTransfer"}

func refinePowerShellScriptBlock(event *models.SecurityEvent) {
	msg := event.Log.Message
	switch {
	case containsAny(msg, suspiciousScriptMarkers):
		event.Risk = models.RiskHigh
		event.RaiseConfidenceUpTo(15, 95)
		event.AddTechnique("T1140")
		event.AddTechnique("T1027")
		event.AddAction("Isolate host pending review")
	case containsAny(msg, encodedCommandMarkers):
		event.Risk = models.RiskHigh
		event.RaiseConfidence(10)
		event.AddTechnique("T1027")
		event.AddTechnique("T1140")
	case containsAny(msg, downloadCmdletMarkers):
		event.Risk = models.RiskMedium
		event.RaiseConfidence(10)
		event.AddTechnique("T1105")
	}
}

var offensiveModuleNames = []string{"Invoke-Mimikatz", "PowerSploit", "PowerView", "Empire", "Invoke-Obfuscation", "Invoke-Kerberoast"}

func refinePowerShellModule(event *models.SecurityEvent) {
	if containsAny(event.Log.Message, offensiveModuleNames) {
		event.Risk = models.RiskMedium
		event.RaiseConfidence(10)
		event.AddTechnique("T1562")
	}
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
