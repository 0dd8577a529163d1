// Package normalize implements the normalizer (C3): RawEvent -> SecurityEvent
// mapping driven by channel/event-id lookup tables, plus default risk,
// confidence, MITRE techniques, and recommended actions.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/iff-guardian/castellan/internal/models"
	"github.com/iff-guardian/castellan/pkg/logger"
)

// Predicate extraction over the rendered message text: source/destination
// network address, per the Windows-style "Source Network Address:" and
// "Destination Address:" fields. A bare "-" means absent, same as no match.
var (
	sourceAddressPattern      = regexp.MustCompile(`(?i)Source (?:Network )?Address:\s*([0-9a-fA-F:.]+)`)
	destinationAddressPattern = regexp.MustCompile(`(?i)Destination (?:Network )?Address:\s*([0-9a-fA-F:.]+)`)
)

func extractAddress(pattern *regexp.Regexp, message string) string {
	m := pattern.FindStringSubmatch(message)
	if m == nil || m[1] == "-" {
		return ""
	}
	return m[1]
}

// Normalizer implements pipeline.Normalizer.
type Normalizer struct {
	log logger.Logger
}

func New(log logger.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize never fails the pipeline: any unexpected input falls back to an
// Unknown/unknown-risk/zero-confidence SecurityEvent.
func (n *Normalizer) Normalize(raw models.RawEvent) (event *models.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("panic in normalizer, returning fallback event", "panic", r, "event_id", raw.EventID)
			event = fallbackEvent(raw)
		}
	}()

	logEvent := &models.LogEvent{
		Time:       raw.Created,
		Host:       raw.Machine,
		Channel:    raw.Channel,
		EventID:    raw.EventID,
		Severity:   levelName(raw.Level),
		User:       raw.UserID,
		Message:    raw.Message,
		RawPayload: raw.RawPayload,
		UniqueID:   raw.UniqueID,
	}

	eventType := classifyEventType(raw.Channel, raw.EventID)
	risk := defaultRisk(eventType, raw.Level)
	confidence := defaultConfidence(raw.Channel, raw.EventID)
	techniques := defaultTechniques(eventType)
	actions := defaultActions(eventType, risk)

	se := &models.SecurityEvent{
		Log:             logEvent,
		EventType:       eventType,
		Risk:            risk,
		Confidence:      confidence,
		Summary:         summarize(logEvent, eventType),
		IsDeterministic: true,
		SourceIP:        extractAddress(sourceAddressPattern, raw.Message),
		DestinationIP:   extractAddress(destinationAddressPattern, raw.Message),
		CreatedAt:       time.Now().UTC(),
	}
	se.SetTechniques(techniques...)
	for _, a := range actions {
		se.AddAction(a)
	}
	return se
}

func fallbackEvent(raw models.RawEvent) *models.SecurityEvent {
	return &models.SecurityEvent{
		Log: &models.LogEvent{
			Time:     raw.Created,
			Host:     raw.Machine,
			Channel:  raw.Channel,
			EventID:  raw.EventID,
			UniqueID: raw.UniqueID,
		},
		EventType:  models.EventUnknown,
		Risk:       models.RiskUnknown,
		Confidence: 0,
		Summary:    "failed to normalize event",
		CreatedAt:  time.Now().UTC(),
	}
}

func levelName(level byte) string {
	switch level {
	case 1:
		return "critical"
	case 2:
		return "error"
	case 3:
		return "warning"
	case 4:
		return "information"
	default:
		return "unknown"
	}
}

// classifyEventType maps (channel, event id) to a SecurityEventType per the
// channel-keyed rules in the normalizer contract.
func classifyEventType(channel string, eventID int) models.SecurityEventType {
	switch {
	case channel == "Security":
		switch eventID {
		case 4624:
			return models.EventAuthenticationSuccess
		case 4625:
			return models.EventAuthenticationFailure
		case 4672:
			return models.EventPrivilegeEscalation
		case 4688:
			return models.EventProcessCreation
		case 4634, 4648, 4778, 4779:
			return models.EventAuthenticationSuccess
		case 4776:
			return models.EventAuthenticationFailure
		default:
			return models.EventAuthenticationSuccess
		}
	case strings.Contains(channel, "Sysmon"):
		switch eventID {
		case 1, 5, 7, 10:
			return models.EventProcessCreation
		case 3, 22:
			return models.EventNetworkConnection
		case 16:
			return models.EventSecurityPolicyChange
		case 4, 6:
			return models.EventServiceInstallation
		case 2, 8, 9, 11, 12, 13, 14, 15, 17, 18, 19, 20, 21, 23, 24, 25:
			return models.EventSuspiciousActivity
		default:
			return models.EventUnknown
		}
	case strings.Contains(channel, "PowerShell"):
		switch eventID {
		case 4103, 4104, 4105, 4106:
			return models.EventPowerShellExecution
		default:
			return models.EventUnknown
		}
	case strings.Contains(channel, "Defender"):
		return models.EventSuspiciousActivity
	default:
		return models.EventUnknown
	}
}

func defaultRisk(eventType models.SecurityEventType, level byte) models.RiskLevel {
	switch eventType {
	case models.EventPrivilegeEscalation, models.EventSuspiciousActivity:
		return models.RiskCritical
	case models.EventAuthenticationFailure, models.EventProcessCreation, models.EventNetworkConnection,
		models.EventPowerShellExecution, models.EventServiceInstallation:
		return models.RiskHigh
	case models.EventAuthenticationSuccess, models.EventAccountManagement, models.EventSecurityPolicyChange:
		return models.RiskMedium
	case models.EventSystemStartup, models.EventSystemShutdown:
		return models.RiskLow
	default:
		switch level {
		case 1:
			return models.RiskCritical
		case 2:
			return models.RiskHigh
		case 3:
			return models.RiskMedium
		case 4:
			return models.RiskLow
		default:
			return models.RiskUnknown
		}
	}
}

func defaultConfidence(channel string, eventID int) int {
	switch {
	case channel == "Security" && (eventID == 4624 || eventID == 4625 || eventID == 4672 || eventID == 4688):
		return 95
	case strings.Contains(channel, "Sysmon"):
		return 90
	case strings.Contains(channel, "Defender"):
		return 85
	case strings.Contains(channel, "PowerShell"):
		return 80
	default:
		return 70
	}
}

func defaultTechniques(eventType models.SecurityEventType) []string {
	switch eventType {
	case models.EventAuthenticationSuccess:
		return []string{"T1078"}
	case models.EventAuthenticationFailure:
		return []string{"T1110"}
	case models.EventPrivilegeEscalation:
		return []string{"T1068"}
	case models.EventProcessCreation:
		return []string{"T1059"}
	case models.EventNetworkConnection:
		return []string{"T1071"}
	case models.EventPowerShellExecution:
		return []string{"T1059.001"}
	case models.EventServiceInstallation:
		return []string{"T1543.003"}
	case models.EventSuspiciousActivity:
		return []string{"T1204"}
	default:
		return nil
	}
}

func defaultActions(eventType models.SecurityEventType, risk models.RiskLevel) []string {
	actions := []string{"Review event details"}
	switch eventType {
	case models.EventAuthenticationFailure:
		actions = append(actions, "Monitor for repeated failures")
	case models.EventPrivilegeEscalation:
		actions = append(actions, "Verify privilege assignment is expected")
	case models.EventPowerShellExecution:
		actions = append(actions, "Review script block content")
	}
	if risk == models.RiskCritical || risk == models.RiskHigh {
		actions = append([]string{"Escalate to on-call analyst"}, actions...)
	}
	return actions
}

func summarize(log *models.LogEvent, eventType models.SecurityEventType) string {
	return fmt.Sprintf("%s observed on %s (EventID %d, Channel %s)", eventType, log.Host, log.EventID, log.Channel)
}
