package world

import "fmt"

// GridExport is a copied, lock-free view of a grid and its attached
// entities, taken in one pass under the world lock so the encoder sees a
// consistent cut even while the simulation keeps running.
type GridExport struct {
	Name  string
	Cells []Vec2i

	Entities []EntityExport
}

type EntityExport struct {
	Ref        string
	Kind       string
	Name       string
	Pos        Vec2i
	Rot        Rot
	Anchored   bool
	Structural bool

	Containers []ContainerExport

	PowerCharge   int
	PowerCapacity int
	HasPowerCell  bool
}

type ContainerExport struct {
	Name     string
	Contents []string
}

// ExportGrid snapshots the grid rooted at root. It does not mutate the
// world. Fails only if the root is gone or not a grid.
func (w *World) ExportGrid(root EntityID) (GridExport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g := w.get(root)
	if g == nil || g.Grid == nil {
		return GridExport{}, fmt.Errorf("export grid %s: %w", root, ErrEntityGone)
	}
	out := GridExport{
		Name:  g.Name,
		Cells: append([]Vec2i(nil), g.Grid.Cells...),
	}
	for i := range w.slots {
		s := &w.slots[i]
		if !s.live {
			continue
		}
		e := s.ent
		if e.Parent != root {
			continue
		}
		id := EntityID{Index: uint32(i), Gen: s.gen}
		ex := EntityExport{
			Ref:        id.String(),
			Kind:       e.Kind,
			Name:       e.Name,
			Pos:        e.Pos,
			Rot:        e.Rot,
			Anchored:   e.Anchored,
			Structural: e.Structural,
		}
		for _, c := range e.Containers {
			ce := ContainerExport{Name: c.Name}
			for _, m := range c.Contents {
				ce.Contents = append(ce.Contents, m.String())
			}
			ex.Containers = append(ex.Containers, ce)
		}
		if e.PowerCell != nil {
			ex.HasPowerCell = true
			ex.PowerCharge = e.PowerCell.Charge
			ex.PowerCapacity = e.PowerCell.Capacity
		}
		out.Entities = append(out.Entities, ex)
	}
	return out, nil
}
