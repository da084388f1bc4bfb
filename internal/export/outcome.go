package export

import "time"

// Phase is the orchestrator state machine position. A request moves
// Requested -> Authorized -> Relocating -> Sanitizing -> Encoding ->
// Transmitting -> Cleaning -> Done, or to Failed from any phase.
type Phase int

const (
	PhaseRequested Phase = iota
	PhaseAuthorized
	PhaseRelocating
	PhaseSanitizing
	PhaseEncoding
	PhaseTransmitting
	PhaseCleaning
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseRequested:    "REQUESTED",
	PhaseAuthorized:   "AUTHORIZED",
	PhaseRelocating:   "RELOCATING",
	PhaseSanitizing:   "SANITIZING",
	PhaseEncoding:     "ENCODING",
	PhaseTransmitting: "TRANSMITTING",
	PhaseCleaning:     "CLEANING",
	PhaseDone:         "DONE",
	PhaseFailed:       "FAILED",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// Outcome is the single terminal result of one export request, emitted
// exactly once regardless of which phase failed.
type Outcome struct {
	RequestID string
	GridRef   string
	Name      string

	Succeeded    bool
	FailedPhase  Phase
	Err          error
	PayloadBytes int
	Sanitize     SanitizeReport
	Duration     time.Duration
}

// AuditRecord is the flattened outcome written to the export index.
type AuditRecord struct {
	RequestID    string
	Requester    string
	GridRef      string
	Name         string
	Succeeded    bool
	FailedPhase  string
	Reason       string
	PayloadBytes int

	FlushDeleted     int
	FloatingDeleted  int
	DeniedDeleted    int
	SanitizeFailures int

	DurationMs int64
}

// AuditSink receives one record per finished export. Implementations must
// not block the pipeline.
type AuditSink interface {
	RecordExport(rec AuditRecord)
}

// OpLog receives fine-grained per-phase operational entries.
type OpLog interface {
	Write(v any) error
}

// OpEvent is the JSONL operations-log entry shape.
type OpEvent struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Count     int       `json:"count,omitempty"`
}
