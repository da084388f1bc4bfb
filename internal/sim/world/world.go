package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrEntityGone reports that a handle no longer refers to a live entity.
	ErrEntityGone = errors.New("entity gone")

	// ErrMapLimit reports map-slot exhaustion; the caller cannot recover.
	ErrMapLimit = errors.New("map limit reached")
)

type WorldConfig struct {
	ID         string
	TickRateHz int

	// MaxMaps bounds live map entities (the station map plus scratch maps
	// hosting in-flight exports).
	MaxMaps int
}

func (c *WorldConfig) normalize() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.MaxMaps <= 0 {
		c.MaxMaps = 32
	}
}

type slot struct {
	gen  uint32
	live bool
	ent  *Entity
}

// World is the shared mutable entity arena. It is mutated concurrently by
// the simulation loop and by in-flight export pipelines; every exported
// operation revalidates its handles under the lock before acting.
type World struct {
	cfg    WorldConfig
	logger *log.Logger

	tick atomic.Uint64

	mu      sync.Mutex
	slots   []slot
	free    []uint32
	mapsN   int
	deleted uint64
}

func New(cfg WorldConfig, logger *log.Logger) *World {
	cfg.normalize()
	if logger == nil {
		logger = log.Default()
	}
	return &World{cfg: cfg, logger: logger}
}

func (w *World) ID() string   { return w.cfg.ID }
func (w *World) Tick() uint64 { return w.tick.Load() }

// Run drives the simulation loop until ctx is cancelled. Each tick touches
// live device state (power drain for active atmos devices), which is what
// export pipelines race against.
func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.step()
		}
	}
}

func (w *World) step() {
	w.tick.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.slots {
		s := &w.slots[i]
		if !s.live {
			continue
		}
		e := s.ent
		if e.AtmosDevice != nil && e.AtmosDevice.Active && e.PowerCell != nil && e.PowerCell.Charge > 0 {
			e.PowerCell.Charge--
		}
	}
}

// get returns the entity for id, or nil if the handle is stale or dead.
// Callers must hold w.mu.
func (w *World) get(id EntityID) *Entity {
	if int(id.Index) >= len(w.slots) {
		return nil
	}
	s := &w.slots[id.Index]
	if !s.live || s.gen != id.Gen {
		return nil
	}
	return s.ent
}

func (w *World) alloc(e *Entity) EntityID {
	if n := len(w.free); n > 0 {
		idx := w.free[n-1]
		w.free = w.free[:n-1]
		s := &w.slots[idx]
		s.live = true
		s.ent = e
		return EntityID{Index: idx, Gen: s.gen}
	}
	w.slots = append(w.slots, slot{gen: 1, live: true, ent: e})
	return EntityID{Index: uint32(len(w.slots) - 1), Gen: 1}
}

// Alive reports whether id refers to a live entity.
func (w *World) Alive(id EntityID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.get(id) != nil
}

// Info returns a copied view of the entity. The second return is false for
// stale handles.
func (w *World) Info(id EntityID) (EntityInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.get(id)
	if e == nil {
		return EntityInfo{}, false
	}
	info := EntityInfo{
		Kind:               e.Kind,
		Name:               e.Name,
		Parent:             e.Parent,
		Pos:                e.Pos,
		Rot:                e.Rot,
		HasPos:             e.HasPos,
		Anchored:           e.Anchored,
		Structural:         e.Structural,
		ContainedBy:        e.ContainedBy,
		HasPowerCell:       e.PowerCell != nil,
		HasPilotBinding:    e.PilotBinding != nil,
		HasViewportBinding: e.ViewportBinding != nil,
		HasAtmosDevice:     e.AtmosDevice != nil,
	}
	for _, c := range e.Containers {
		info.ContainerNames = append(info.ContainerNames, c.Name)
	}
	return info, true
}

// CreateMap allocates a new empty map entity. Maps are the only entities
// without a parent. Fails only on map-slot exhaustion.
func (w *World) CreateMap(name string) (EntityID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mapsN >= w.cfg.MaxMaps {
		return NilEntity, fmt.Errorf("create map %q: %w", name, ErrMapLimit)
	}
	id := w.alloc(&Entity{Kind: KindMap, Name: name, HasPos: true})
	w.mapsN++
	return id, nil
}

// SpawnSpec describes a new non-map entity.
type SpawnSpec struct {
	Kind       string
	Name       string
	Parent     EntityID
	Pos        Vec2i
	HasPos     bool
	Anchored   bool
	Structural bool

	Containers []string

	PowerCell       *PowerCell
	PilotBinding    *PilotBinding
	ViewportBinding *ViewportBinding
	AtmosDevice     *AtmosDevice
}

// Spawn creates an entity on the given parent map or grid.
func (w *World) Spawn(spec SpawnSpec) (EntityID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p := w.get(spec.Parent); p == nil {
		return NilEntity, fmt.Errorf("spawn %s: parent %s: %w", spec.Kind, spec.Parent, ErrEntityGone)
	}
	e := &Entity{
		Kind:            spec.Kind,
		Name:            spec.Name,
		Parent:          spec.Parent,
		Pos:             spec.Pos,
		HasPos:          spec.HasPos,
		Anchored:        spec.Anchored,
		Structural:      spec.Structural,
		PowerCell:       spec.PowerCell,
		PilotBinding:    spec.PilotBinding,
		ViewportBinding: spec.ViewportBinding,
		AtmosDevice:     spec.AtmosDevice,
	}
	for _, name := range spec.Containers {
		e.Containers = append(e.Containers, &Container{Name: name})
	}
	return w.alloc(e), nil
}

// CreateGrid creates a grid entity on mapID occupying the given cells.
func (w *World) CreateGrid(mapID EntityID, name string, pos Vec2i, cells []Vec2i) (EntityID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.get(mapID)
	if m == nil || m.Kind != KindMap {
		return NilEntity, fmt.Errorf("create grid %q: map %s: %w", name, mapID, ErrEntityGone)
	}
	e := &Entity{
		Kind:   KindGrid,
		Name:   name,
		Parent: mapID,
		Pos:    pos,
		HasPos: true,
		Grid:   &GridComp{Cells: append([]Vec2i(nil), cells...)},
	}
	return w.alloc(e), nil
}

// MoveGridTo reparents a grid onto mapID at the map origin and zeroes its
// rotation. Membership of attached entities is unchanged: they keep the
// grid as parent.
func (w *World) MoveGridTo(grid, mapID EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	g := w.get(grid)
	if g == nil || g.Grid == nil {
		return fmt.Errorf("move grid %s: %w", grid, ErrEntityGone)
	}
	m := w.get(mapID)
	if m == nil || m.Kind != KindMap {
		return fmt.Errorf("move grid %s: target map %s: %w", grid, mapID, ErrEntityGone)
	}
	g.Parent = mapID
	g.Pos = Vec2i{}
	g.Rot = 0
	return nil
}

// EntitiesOn lists entities whose parent is the given map or grid, in
// arena order.
func (w *World) EntitiesOn(parent EntityID) []EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []EntityID
	for i := range w.slots {
		s := &w.slots[i]
		if s.live && s.ent.Parent == parent {
			out = append(out, EntityID{Index: uint32(i), Gen: s.gen})
		}
	}
	return out
}

// ContainerContents returns the current members of the named container.
func (w *World) ContainerContents(owner EntityID, name string) []EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.get(owner)
	if e == nil {
		return nil
	}
	for _, c := range e.Containers {
		if c.Name == name {
			return append([]EntityID(nil), c.Contents...)
		}
	}
	return nil
}

// InsertIntoContainer moves an existing entity into the named container on
// owner. The entity loses its position while contained.
func (w *World) InsertIntoContainer(owner EntityID, name string, id EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := w.get(owner)
	if o == nil {
		return fmt.Errorf("insert into %s/%s: %w", owner, name, ErrEntityGone)
	}
	e := w.get(id)
	if e == nil {
		return fmt.Errorf("insert %s: %w", id, ErrEntityGone)
	}
	for _, c := range o.Containers {
		if c.Name != name {
			continue
		}
		e.ContainedBy = owner
		e.HasPos = false
		c.Contents = append(c.Contents, id)
		return nil
	}
	return fmt.Errorf("insert into %s: no container %q", owner, name)
}

// DeleteEntity removes the entity and everything it transitively owns:
// container contents and, for maps and grids, every entity parented to it.
// Deleting an already-gone entity is not an error.
func (w *World) DeleteEntity(id EntityID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.get(id) == nil {
		return nil
	}
	work := []EntityID{id}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		e := w.get(cur)
		if e == nil {
			continue
		}
		for _, c := range e.Containers {
			work = append(work, c.Contents...)
		}
		if e.Kind == KindMap || e.Grid != nil {
			for i := range w.slots {
				s := &w.slots[i]
				if s.live && s.ent.Parent == cur {
					work = append(work, EntityID{Index: uint32(i), Gen: s.gen})
				}
			}
		}
		w.freeSlot(cur, e)
	}
	return nil
}

// freeSlot releases one entity. Callers must hold w.mu.
func (w *World) freeSlot(id EntityID, e *Entity) {
	if !e.ContainedBy.IsNil() {
		if holder := w.get(e.ContainedBy); holder != nil {
			for _, c := range holder.Containers {
				c.remove(id)
			}
		}
	}
	if e.Kind == KindMap {
		w.mapsN--
	}
	s := &w.slots[id.Index]
	s.live = false
	s.ent = nil
	s.gen++
	w.free = append(w.free, id.Index)
	w.deleted++
}

// StripSessionBindings removes pilot and viewport bindings from the entity.
// Returns the number of components removed.
func (w *World) StripSessionBindings(id EntityID) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.get(id)
	if e == nil {
		return 0, fmt.Errorf("strip bindings %s: %w", id, ErrEntityGone)
	}
	n := 0
	if e.PilotBinding != nil {
		e.PilotBinding = nil
		n++
	}
	if e.ViewportBinding != nil {
		e.ViewportBinding = nil
		n++
	}
	return n, nil
}

// StripAtmosRuntime removes an active atmos device's runtime state. Idle
// devices keep their component.
func (w *World) StripAtmosRuntime(id EntityID) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.get(id)
	if e == nil {
		return false, fmt.Errorf("strip atmos %s: %w", id, ErrEntityGone)
	}
	if e.AtmosDevice == nil || !e.AtmosDevice.Active {
		return false, nil
	}
	e.AtmosDevice = nil
	return true, nil
}

// Stats are coarse world counters for logs and the admin surface.
type Stats struct {
	Live    int
	Maps    int
	Deleted uint64
}

func (w *World) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	live := 0
	for i := range w.slots {
		if w.slots[i].live {
			live++
		}
	}
	return Stats{Live: live, Maps: w.mapsN, Deleted: w.deleted}
}

// KindsOn returns the sorted multiset of entity kinds parented to the given
// map or grid. Debug/test helper.
func (w *World) KindsOn(parent EntityID) []string {
	ids := w.EntitiesOn(parent)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if info, ok := w.Info(id); ok {
			out = append(out, info.Kind)
		}
	}
	sort.Strings(out)
	return out
}
