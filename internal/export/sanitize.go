package export

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gridwright.io/internal/sim/world"
)

// SanitizeReport counts the work done and the per-item failures swallowed
// by each pass. Per-item failures never abort a pass; only the root
// vanishing mid-pass is fatal.
type SanitizeReport struct {
	FlushDeleted  int
	FlushFailures int

	FloatingDeleted  int
	FloatingFailures int

	DeniedDeleted  int
	DeniedFailures int

	BindingsStripped int
	AtmosStripped    int
	CellsReset       int
	ResetFailures    int
}

func (r SanitizeReport) Failures() int {
	return r.FlushFailures + r.FloatingFailures + r.DeniedFailures + r.ResetFailures
}

// Sanitizer turns a live, simulation-connected grid into one safe to
// encode. The four passes run in a fixed order: container contents must be
// gone before the free-floating purge so that purge decisions never depend
// on containment, and component resets only touch survivors.
type Sanitizer struct {
	w      *world.World
	power  *world.PowerSystem
	denied map[string]bool
	logger *log.Logger
	oplog  OpLog
}

func NewSanitizer(w *world.World, power *world.PowerSystem, denied map[string]bool, logger *log.Logger, oplog OpLog) *Sanitizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Sanitizer{w: w, power: power, denied: denied, logger: logger, oplog: oplog}
}

// Run executes all four passes on the grid rooted at root. Re-running on
// an already-sanitized grid is a no-op with the same surviving entity set.
func (s *Sanitizer) Run(requestID string, root world.EntityID) (SanitizeReport, error) {
	var rep SanitizeReport
	passes := []struct {
		name string
		fn   func(string, world.EntityID, *SanitizeReport)
	}{
		{"flush_containers", s.flushContainers},
		{"purge_floating", s.purgeFreeFloating},
		{"purge_denied", s.purgeDenied},
		{"reset_components", s.resetComponents},
	}
	for _, p := range passes {
		if !s.w.Alive(root) {
			return rep, fmt.Errorf("sanitize %s: root vanished: %w", p.name, world.ErrEntityGone)
		}
		p.fn(requestID, root, &rep)
		s.op(requestID, "sanitize_"+p.name, "", rep.Failures())
	}
	if !s.w.Alive(root) {
		return rep, fmt.Errorf("sanitize: root vanished: %w", world.ErrEntityGone)
	}
	return rep, nil
}

// flushContainers deletes every entity held in a container on the grid.
// A worklist keeps deeply nested containment (crate in locker in crate)
// bounded without recursion.
func (s *Sanitizer) flushContainers(requestID string, root world.EntityID, rep *SanitizeReport) {
	work := append([]world.EntityID{root}, s.w.EntitiesOn(root)...)
	for len(work) > 0 {
		owner := work[len(work)-1]
		work = work[:len(work)-1]
		info, ok := s.w.Info(owner)
		if !ok {
			continue
		}
		for _, name := range info.ContainerNames {
			for _, member := range s.w.ContainerContents(owner, name) {
				// Members may own containers of their own; flush those
				// before the member goes away.
				work = append(work, member)
				if err := s.w.DeleteEntity(member); err != nil {
					rep.FlushFailures++
					s.logger.Printf("flush %s/%s: delete %s: %v", owner, name, member, err)
					continue
				}
				rep.FlushDeleted++
			}
		}
	}
}

// purgeFreeFloating deletes attached entities that are neither anchored nor
// held in a container. Entities without positional data count as
// free-floating. Structural members (the grid's own spatial markers) are
// exempt.
func (s *Sanitizer) purgeFreeFloating(requestID string, root world.EntityID, rep *SanitizeReport) {
	for _, id := range s.w.EntitiesOn(root) {
		info, ok := s.w.Info(id)
		if !ok {
			continue
		}
		if info.Structural {
			continue
		}
		if !info.ContainedBy.IsNil() {
			continue
		}
		if info.Anchored && info.HasPos {
			continue
		}
		if err := s.w.DeleteEntity(id); err != nil {
			rep.FloatingFailures++
			s.logger.Printf("purge floating %s (%s): %v", id, info.Kind, err)
			continue
		}
		rep.FloatingDeleted++
	}
}

// purgeDenied deletes any remaining entity whose kind is on the denylist,
// anchored or not.
func (s *Sanitizer) purgeDenied(requestID string, root world.EntityID, rep *SanitizeReport) {
	for _, id := range s.w.EntitiesOn(root) {
		info, ok := s.w.Info(id)
		if !ok || !s.denied[info.Kind] {
			continue
		}
		if err := s.w.DeleteEntity(id); err != nil {
			rep.DeniedFailures++
			s.logger.Printf("purge denied %s (%s): %v", id, info.Kind, err)
			continue
		}
		rep.DeniedDeleted++
	}
}

// resetComponents strips session-bound bindings and device runtime state
// from survivors and restores power cells through the power system so its
// invariants hold.
func (s *Sanitizer) resetComponents(requestID string, root world.EntityID, rep *SanitizeReport) {
	for _, id := range s.w.EntitiesOn(root) {
		n, err := s.w.StripSessionBindings(id)
		if err != nil {
			if !errors.Is(err, world.ErrEntityGone) {
				rep.ResetFailures++
				s.logger.Printf("strip bindings %s: %v", id, err)
			}
			continue
		}
		rep.BindingsStripped += n

		if stripped, err := s.w.StripAtmosRuntime(id); err == nil && stripped {
			rep.AtmosStripped++
		}

		info, ok := s.w.Info(id)
		if !ok || !info.HasPowerCell {
			continue
		}
		if err := s.power.FillToCapacity(id); err != nil {
			if !errors.Is(err, world.ErrEntityGone) {
				rep.ResetFailures++
				s.logger.Printf("reset cell %s: %v", id, err)
			}
			continue
		}
		rep.CellsReset++
	}
}

func (s *Sanitizer) op(requestID, event, detail string, count int) {
	if s.oplog == nil {
		return
	}
	_ = s.oplog.Write(OpEvent{Time: time.Now().UTC(), RequestID: requestID, Event: event, Detail: detail, Count: count})
}
