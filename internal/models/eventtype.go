package models

// SecurityEventType is the closed enumeration of event classifications
// produced by the normalizer and refined downstream. Keep this list in sync
// with the lookup tables in the normalize package.
type SecurityEventType int

const (
	EventUnknown SecurityEventType = iota
	EventAuthenticationSuccess
	EventAuthenticationFailure
	EventPrivilegeEscalation
	EventProcessCreation
	EventNetworkConnection
	EventPowerShellExecution
	EventServiceInstallation
	EventScheduledTask
	EventAccountManagement
	EventSecurityPolicyChange
	EventSystemStartup
	EventSystemShutdown
	EventSuspiciousActivity
)

var eventTypeNames = [...]string{
	"Unknown",
	"AuthenticationSuccess",
	"AuthenticationFailure",
	"PrivilegeEscalation",
	"ProcessCreation",
	"NetworkConnection",
	"PowerShellExecution",
	"ServiceInstallation",
	"ScheduledTask",
	"AccountManagement",
	"SecurityPolicyChange",
	"SystemStartup",
	"SystemShutdown",
	"SuspiciousActivity",
}

func (t SecurityEventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return "Unknown"
	}
	return eventTypeNames[t]
}

// ParseSecurityEventType converts the JSON/DB string form back. Unrecognized
// input maps to EventUnknown rather than erroring, matching C3's
// never-fail-the-pipeline contract.
func ParseSecurityEventType(s string) SecurityEventType {
	for i, name := range eventTypeNames {
		if name == s {
			return SecurityEventType(i)
		}
	}
	return EventUnknown
}

func (t SecurityEventType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *SecurityEventType) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*t = ParseSecurityEventType(s)
	return nil
}
