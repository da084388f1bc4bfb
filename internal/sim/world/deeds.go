package world

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDeed reports that the card holds no deed, the deed's grid is
	// gone, or the deed is already claimed by an in-flight export.
	ErrNoDeed = errors.New("no usable deed")
)

// IssueDeed puts an ownership deed for grid onto an ID-card entity. A card
// holds at most one deed; issuing over an existing one replaces it.
func (w *World) IssueDeed(card, grid EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.get(card)
	if c == nil {
		return fmt.Errorf("issue deed: card %s: %w", card, ErrEntityGone)
	}
	if g := w.get(grid); g == nil || g.Grid == nil {
		return fmt.Errorf("issue deed: grid %s: %w", grid, ErrEntityGone)
	}
	c.Deed = &Deed{Grid: grid}
	return nil
}

// ClaimDeed atomically validates and claims the deed on card: the card must
// be live, hold a deed, the deed's grid must be live, and no export may
// already hold a claim for that grid through any deed. On success the
// referenced grid is returned and the deed is marked claimed until released
// or revoked.
func (w *World) ClaimDeed(card EntityID) (EntityID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.get(card)
	if c == nil {
		return NilEntity, fmt.Errorf("claim deed: card %s: %w", card, ErrEntityGone)
	}
	if c.Deed == nil || c.Deed.Claimed {
		return NilEntity, ErrNoDeed
	}
	if g := w.get(c.Deed.Grid); g == nil || g.Grid == nil {
		return NilEntity, fmt.Errorf("claim deed: %w", ErrEntityGone)
	}
	for i := range w.slots {
		s := &w.slots[i]
		if s.live && s.ent.Deed != nil && s.ent.Deed.Claimed && s.ent.Deed.Grid == c.Deed.Grid {
			return NilEntity, ErrNoDeed
		}
	}
	c.Deed.Claimed = true
	return c.Deed.Grid, nil
}

// ReleaseDeed clears the claimed mark after a failed export so the deed can
// be used again. Benign if the card is already gone.
func (w *World) ReleaseDeed(card EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c := w.get(card); c != nil && c.Deed != nil {
		c.Deed.Claimed = false
	}
}

// RevokeDeedsFor invalidates every deed referencing grid, not just the one
// used for the export. Returns the number of deeds removed.
func (w *World) RevokeDeedsFor(grid EntityID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for i := range w.slots {
		s := &w.slots[i]
		if s.live && s.ent.Deed != nil && s.ent.Deed.Grid == grid {
			s.ent.Deed = nil
			n++
		}
	}
	return n
}
