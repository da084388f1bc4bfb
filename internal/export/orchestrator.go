package export

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridwright.io/internal/protocol"
	"gridwright.io/internal/sim/world"
)

// Encoder serializes a single-root grid to an artifact at path. It must
// not mutate the grid.
type Encoder interface {
	EncodeGrid(root world.EntityID, path string) error
}

// Request is the inbound export trigger: the requester's session identity
// and the ID-card entity holding the deed.
type Request struct {
	ID        string
	Requester string
	Card      world.EntityID
}

// PolicyError is a synchronous rejection reported to the requester before
// any background work is scheduled. No resources are allocated for it.
type PolicyError struct {
	Code string
	Msg  string
}

func (e *PolicyError) Error() string { return e.Code + ": " + e.Msg }

// CodeOf maps an error to a wire error code.
func CodeOf(err error) string {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, world.ErrEntityGone) {
		return protocol.ErrEntityGone
	}
	return protocol.ErrInternal
}

// Service is the session orchestrator. It validates and authorizes export
// requests synchronously, runs the pipeline as one background unit of work
// per request, and owns the cleanup of the workspace and the original grid
// on every exit path.
type Service struct {
	w      *world.World
	power  *world.PowerSystem
	cfg    Config
	wsm    *WorkspaceManager
	san    *Sanitizer
	enc    Encoder
	tx     *Transmitter
	audit  AuditSink
	oplog  OpLog
	logger *log.Logger

	mu       sync.Mutex
	inflight int

	wg sync.WaitGroup
}

func NewService(w *world.World, power *world.PowerSystem, cfg Config, enc Encoder, audit AuditSink, oplog OpLog, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		w:      w,
		power:  power,
		cfg:    cfg,
		wsm:    NewWorkspaceManager(w, logger),
		san:    NewSanitizer(w, power, cfg.DeniedKindSet(), logger, oplog),
		enc:    enc,
		tx:     NewTransmitter(logger, oplog),
		audit:  audit,
		oplog:  oplog,
		logger: logger,
	}
}

// HandleExportRequest validates the request and, if it passes, schedules
// the pipeline and returns immediately. A returned error is a policy
// rejection with no side effects: the deed claim is the validation, and a
// failed claim changes nothing.
func (s *Service) HandleExportRequest(req Request, rcpt Recipient) error {
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.inflight >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return &PolicyError{Code: protocol.ErrBusy, Msg: "too many exports in flight"}
	}
	s.inflight++
	s.mu.Unlock()

	grid, err := s.w.ClaimDeed(req.Card)
	if err != nil {
		s.release()
		if errors.Is(err, world.ErrEntityGone) {
			return &PolicyError{Code: protocol.ErrEntityGone, Msg: "grid or card no longer exists"}
		}
		return &PolicyError{Code: protocol.ErrInvalidCredential, Msg: "no usable deed on card"}
	}

	name := "grid"
	if info, ok := s.w.Info(grid); ok && strings.TrimSpace(info.Name) != "" {
		name = info.Name
	}

	s.op(req.ID, "export_scheduled", grid.String())
	s.wg.Add(1)
	go s.run(req, grid, name, rcpt)
	return nil
}

// Wait blocks until all scheduled pipelines finish. Used on shutdown and
// in tests; individual pipelines are not cancellable once scheduled.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) release() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// run is one background unit of work. The deferred block is the Cleaning
// phase: it executes on every exit path, destroys the workspace exactly
// once if one was created, and deletes the original grid root at most
// once, each behind its grace delay.
func (s *Service) run(req Request, grid world.EntityID, name string, rcpt Recipient) {
	defer s.wg.Done()
	defer s.release()

	start := time.Now()
	out := Outcome{RequestID: req.ID, GridRef: grid.String(), Name: name}

	var ws Workspace
	wsCreated := false

	defer func() {
		out.Duration = time.Since(start)
		s.clean(req, grid, ws, wsCreated)
		s.finish(req, out)
	}()

	fail := func(phase Phase, err error) {
		out.FailedPhase = phase
		out.Err = err
		s.logger.Printf("export %s failed in %s: %v", req.ID, phase, err)
		s.op(req.ID, "export_failed", fmt.Sprintf("%s: %v", phase, err))
		s.w.ReleaseDeed(req.Card)
	}

	// Relocating: workspace first, then the grid into it.
	ws2, err := s.wsm.Create()
	if err != nil {
		fail(PhaseRelocating, err)
		return
	}
	ws = ws2
	wsCreated = true
	s.op(req.ID, "workspace_created", ws.ID)

	if err := relocateGrid(s.w, grid, ws); err != nil {
		fail(PhaseRelocating, err)
		return
	}

	// Sanitizing.
	rep, err := s.san.Run(req.ID, grid)
	out.Sanitize = rep
	if err != nil {
		fail(PhaseSanitizing, err)
		return
	}

	// Encoding.
	path := s.artifactPath(req.Requester, name)
	if err := s.enc.EncodeGrid(grid, path); err != nil {
		fail(PhaseEncoding, err)
		return
	}
	s.op(req.ID, "artifact_encoded", path)

	// Transmitting. The artifact is removed afterward whether or not
	// delivery worked; no partial payload is ever sent.
	n, sent := s.tx.Send(path, name, req.ID, rcpt)
	s.tx.DeleteArtifactWithRetry(path, req.ID, s.cfg.DeleteMaxAttempts, s.cfg.DeleteInitialDelay())
	if !sent {
		fail(PhaseTransmitting, errors.New("payload not delivered"))
		return
	}
	out.PayloadBytes = n

	// Success: every deed referencing this grid is now dead, not just the
	// one that authorized the export.
	revoked := s.w.RevokeDeedsFor(grid)
	s.op(req.ID, "deeds_revoked", "", revoked)
	out.Succeeded = true
	out.FailedPhase = PhaseDone
}

// clean is the Cleaning phase. Both deletions tolerate the target already
// being gone; neither failure escalates.
func (s *Service) clean(req Request, grid world.EntityID, ws Workspace, wsCreated bool) {
	if wsCreated {
		time.Sleep(s.cfg.WorkspaceGrace())
		s.wsm.Destroy(ws)
		s.op(req.ID, "workspace_destroyed", ws.ID)
	}
	time.Sleep(s.cfg.RootGrace())
	if s.w.Alive(grid) {
		if err := s.w.DeleteEntity(grid); err != nil {
			s.logger.Printf("export %s: delete grid %s: %v", req.ID, grid, err)
		} else {
			s.op(req.ID, "root_deleted", grid.String())
		}
	}
}

// finish emits the single terminal notification for the request.
func (s *Service) finish(req Request, out Outcome) {
	rec := AuditRecord{
		RequestID:        out.RequestID,
		Requester:        req.Requester,
		GridRef:          out.GridRef,
		Name:             out.Name,
		Succeeded:        out.Succeeded,
		PayloadBytes:     out.PayloadBytes,
		FlushDeleted:     out.Sanitize.FlushDeleted,
		FloatingDeleted:  out.Sanitize.FloatingDeleted,
		DeniedDeleted:    out.Sanitize.DeniedDeleted,
		SanitizeFailures: out.Sanitize.Failures(),
		DurationMs:       out.Duration.Milliseconds(),
	}
	if !out.Succeeded {
		rec.FailedPhase = out.FailedPhase.String()
		if out.Err != nil {
			rec.Reason = out.Err.Error()
		}
	}
	if s.audit != nil {
		s.audit.RecordExport(rec)
	}
	if out.Succeeded {
		s.logger.Printf("export %s done: %q %d bytes", out.RequestID, out.Name, out.PayloadBytes)
	}
	s.op(out.RequestID, "export_finished", rec.FailedPhase)
}

func (s *Service) artifactPath(requester, name string) string {
	return filepath.Join(s.cfg.StagingDir, fsSafe(requester), fsSafe(name)+".grid.zst")
}

// fsSafe keeps player-supplied names inside the staging directory.
func fsSafe(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "anonymous"
	}
	repl := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return repl.Replace(s)
}

func (s *Service) op(requestID, event, detail string, count ...int) {
	if s.oplog == nil {
		return
	}
	ev := OpEvent{Time: time.Now().UTC(), RequestID: requestID, Event: event, Detail: detail}
	if len(count) > 0 {
		ev.Count = count[0]
	}
	_ = s.oplog.Write(ev)
}
