package ignorefilter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/iff-guardian/castellan/internal/models"
)

// newLogonBlock matches the "New Logon:" section emitted by 4624/4625 so the
// account name preferred by that block wins over any earlier "Account Name:"
// occurrence (e.g. the subject performing the logon).
var newLogonBlock = regexp.MustCompile(`(?is)New Logon:.*?Account Name:\s*([^\r\n]+)`)
var accountNameLine = regexp.MustCompile(`(?i)Account Name:\s*([^\r\n]+)`)
var logonTypeLine = regexp.MustCompile(`(?i)Logon Type:\s*(\d+)`)
var sourceAddressLine = regexp.MustCompile(`(?i)Source Network Address:\s*([^\r\n]+)`)

// extractFields recovers the predicate-relevant fields from a rendered
// Windows-style message. Extraction is purely text-based; it never fails,
// matching ExtractedFields zero values when a field is absent.
func extractFields(message string) models.ExtractedFields {
	var f models.ExtractedFields

	if m := newLogonBlock.FindStringSubmatch(message); m != nil {
		f.AccountName = strings.TrimSpace(m[1])
	} else if m := accountNameLine.FindStringSubmatch(message); m != nil {
		f.AccountName = strings.TrimSpace(m[1])
	}

	if m := logonTypeLine.FindStringSubmatch(message); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			f.LogonType = v
			f.HasLogonType = true
		}
	}

	if m := sourceAddressLine.FindStringSubmatch(message); m != nil {
		addr := strings.TrimSpace(m[1])
		if addr != "" && addr != "-" {
			f.SourceAddress = addr
			f.HasSourceAddress = true
		}
	}

	return f
}
