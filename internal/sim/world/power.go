package world

import "fmt"

// PowerSystem owns power-cell invariants. Cells are reset through it rather
// than by writing fields directly, so charge never exceeds capacity and the
// simulation loop observes consistent state.
type PowerSystem struct {
	w *World
}

func NewPowerSystem(w *World) *PowerSystem { return &PowerSystem{w: w} }

// FillToCapacity restores the entity's power cell to full charge. Entities
// without a cell are left untouched.
func (ps *PowerSystem) FillToCapacity(id EntityID) error {
	ps.w.mu.Lock()
	defer ps.w.mu.Unlock()
	e := ps.w.get(id)
	if e == nil {
		return fmt.Errorf("fill cell %s: %w", id, ErrEntityGone)
	}
	if e.PowerCell == nil {
		return nil
	}
	if e.PowerCell.Capacity < 0 {
		return fmt.Errorf("fill cell %s: negative capacity", id)
	}
	e.PowerCell.Charge = e.PowerCell.Capacity
	return nil
}

// CellCharge reads the entity's cell charge. Second return is false when
// the entity is gone or has no cell.
func (ps *PowerSystem) CellCharge(id EntityID) (charge, capacity int, ok bool) {
	ps.w.mu.Lock()
	defer ps.w.mu.Unlock()
	e := ps.w.get(id)
	if e == nil || e.PowerCell == nil {
		return 0, 0, false
	}
	return e.PowerCell.Charge, e.PowerCell.Capacity, true
}
