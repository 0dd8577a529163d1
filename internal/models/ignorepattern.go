package models

// EventStep is a conjunction of optional predicates. A step matches an event
// iff every populated predicate matches; an empty/nil predicate is not
// checked.
type EventStep struct {
	EventType            SecurityEventType
	HasEventType         bool
	SourceMachines       []string
	AccountNames         []string
	LogonTypes           []int
	SourceIPs            []string
	MitreTechniques      []string
	RequireAllTechniques bool
}

// SequentialIgnorePattern suppresses a known-benign sequence of events.
type SequentialIgnorePattern struct {
	Name                      string
	Steps                     []EventStep
	Reason                    string
	IgnoreAllEventsInSequence bool
}

// ExtractedFields are the predicate-relevant fields recovered from a
// Windows-style rendered message by the ignore filter's extractor.
type ExtractedFields struct {
	AccountName      string
	LogonType        int
	HasLogonType     bool
	SourceAddress    string
	HasSourceAddress bool
}
