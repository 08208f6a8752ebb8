package aggregate

// Severity of an error code cluster.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"

	// SeverityWarning is used by alerts only.
	SeverityWarning Severity = "warning"
)

// DefaultErrorSeverity maps common LaML messaging error codes to a severity.
// Codes missing from the table are medium.
var DefaultErrorSeverity = map[int]Severity{
	21211: SeverityLow,      // invalid 'To' number
	21610: SeverityLow,      // recipient unsubscribed
	30001: SeverityHigh,     // queue overflow
	30002: SeverityCritical, // account suspended
	30003: SeverityMedium,   // unreachable destination handset
	30004: SeverityHigh,     // message blocked
	30005: SeverityMedium,   // unknown destination handset
	30006: SeverityLow,      // landline or unreachable carrier
	30007: SeverityCritical, // carrier violation
	30008: SeverityMedium,   // unknown error
	30034: SeverityCritical, // unregistered 10DLC number
}

// ParseSeverity accepts the four severity names; anything else is medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return SeverityMedium
}

type severityTable map[int]Severity

func newSeverityTable(overrides map[int]Severity) severityTable {
	t := make(severityTable, len(DefaultErrorSeverity)+len(overrides))
	for code, sev := range DefaultErrorSeverity {
		t[code] = sev
	}
	for code, sev := range overrides {
		t[code] = ParseSeverity(string(sev))
	}
	return t
}

func (t severityTable) lookup(code int) Severity {
	if sev, ok := t[code]; ok {
		return sev
	}
	return SeverityMedium
}
