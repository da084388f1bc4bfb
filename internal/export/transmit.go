package export

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"syscall"
	"time"

	"gridwright.io/internal/protocol"
)

// Recipient is the requester's side of the request/response channel. A
// false return means the session is gone or saturated; the payload is
// dropped, never retried.
type Recipient interface {
	DeliverPayload(msg protocol.ExportPayloadMsg) bool
}

// Transmitter reads the staged artifact, hands the bytes to the recipient,
// and removes the artifact afterward with bounded retry. The file hooks
// exist so tests can inject transient failures.
type Transmitter struct {
	logger *log.Logger
	oplog  OpLog

	readFile func(string) ([]byte, error)
	remove   func(string) error
	sleep    func(time.Duration)
}

func NewTransmitter(logger *log.Logger, oplog OpLog) *Transmitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Transmitter{
		logger:   logger,
		oplog:    oplog,
		readFile: os.ReadFile,
		remove:   os.Remove,
		sleep:    time.Sleep,
	}
}

// Send reads the artifact fully and delivers it. Returns the payload size
// and whether delivery happened. An unreadable artifact is non-fatal to
// the caller's cleanup path but fails the export.
func (t *Transmitter) Send(path, name, requestID string, to Recipient) (int, bool) {
	b, err := t.readFile(path)
	if err != nil {
		t.logger.Printf("read artifact %s: %v", path, err)
		t.op(requestID, "artifact_read_failed", err.Error())
		return 0, false
	}
	msg := protocol.ExportPayloadMsg{
		Type:            protocol.TypeExportPayload,
		ProtocolVersion: protocol.Version,
		RequestID:       requestID,
		Name:            name,
		Payload:         b,
	}
	if !to.DeliverPayload(msg) {
		t.op(requestID, "payload_delivery_failed", "")
		return len(b), false
	}
	t.op(requestID, "payload_delivered", name)
	return len(b), true
}

// DeleteArtifactWithRetry removes the staged file. Transient filesystem
// errors (another process still holds the file) are retried with
// exponential backoff; exhausting the attempts orphans the artifact and is
// logged, never escalated. Non-transient errors abort immediately.
func (t *Transmitter) DeleteArtifactWithRetry(path, requestID string, maxAttempts int, initialDelay time.Duration) {
	delay := initialDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := t.remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			t.op(requestID, "artifact_deleted", path)
			return
		}
		if !isTransientRemoveErr(err) {
			t.logger.Printf("delete artifact %s: %v", path, err)
			t.op(requestID, "artifact_delete_failed", err.Error())
			return
		}
		if attempt == maxAttempts {
			break
		}
		t.sleep(delay)
		delay *= 2
	}
	t.logger.Printf("delete artifact %s: retries exhausted, artifact orphaned", path)
	t.op(requestID, "artifact_orphaned", path)
}

func isTransientRemoveErr(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EAGAIN)
}

func (t *Transmitter) op(requestID, event, detail string) {
	if t.oplog == nil {
		return
	}
	_ = t.oplog.Write(OpEvent{Time: time.Now().UTC(), RequestID: requestID, Event: event, Detail: detail})
}
