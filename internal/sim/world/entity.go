package world

import "fmt"

// EntityID is a handle into the world arena. The generation counter makes
// stale handles detectable after the slot is reused: a handle whose Gen no
// longer matches the slot's Gen refers to a deleted entity.
type EntityID struct {
	Index uint32
	Gen   uint32
}

// NilEntity is the zero handle; it never refers to a live entity.
var NilEntity = EntityID{}

func (id EntityID) IsNil() bool { return id == NilEntity }

func (id EntityID) String() string { return fmt.Sprintf("E%d.%d", id.Index, id.Gen) }

// ParseEntityRef parses the wire form produced by EntityID.String.
func ParseEntityRef(s string) (EntityID, error) {
	var idx, gen uint32
	if _, err := fmt.Sscanf(s, "E%d.%d", &idx, &gen); err != nil {
		return NilEntity, fmt.Errorf("bad entity ref %q", s)
	}
	return EntityID{Index: idx, Gen: gen}, nil
}

// Well-known entity kinds.
const (
	KindMap        = "map"
	KindGrid       = "grid"
	KindIDCard     = "id_card"
	KindVendor     = "vendor"
	KindCrate      = "crate"
	KindWallMarker = "wall_marker"
)

type Vec2i struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// Rot is a grid rotation in quarter turns, 0..3.
type Rot int

type Entity struct {
	Kind string
	Name string

	// Transform. Parent is the map or grid the entity sits on; maps have a
	// nil parent. HasPos is false for entities with no position at all
	// (e.g. freshly spawned into a container).
	Parent   EntityID
	Pos      Vec2i
	Rot      Rot
	HasPos   bool
	Anchored bool

	// Structural marks the grid's own spatial members (walls, hull). They
	// are part of the grid's shape and exempt from the free-floating purge.
	Structural bool

	// ContainedBy is set while the entity is held inside another entity's
	// container.
	ContainedBy EntityID

	// Containers owned by this entity, in declaration order.
	Containers []*Container

	// Optional components.
	Grid            *GridComp
	Deed            *Deed
	PowerCell       *PowerCell
	PilotBinding    *PilotBinding
	ViewportBinding *ViewportBinding
	AtmosDevice     *AtmosDevice
}

// GridComp is the spatial volume of a grid entity: the set of cells it
// occupies in its parent map's frame.
type GridComp struct {
	Cells []Vec2i
}

// Deed is an ownership token held on an ID-card entity. It authorizes
// exactly one export of the referenced grid. Claimed is set while an export
// pipeline is in flight for it.
type Deed struct {
	Grid    EntityID
	Claimed bool
}

type PowerCell struct {
	Charge   int
	Capacity int
}

// PilotBinding ties an entity to a live player session (helm control).
type PilotBinding struct {
	SessionID string
}

// ViewportBinding ties an entity to a live player viewport.
type ViewportBinding struct {
	SessionID string
}

// AtmosDevice is runtime state for an atmospherics device (scrubber, vent).
type AtmosDevice struct {
	Active bool
}

// Container is a named, ordered collection of entities owned by an entity.
type Container struct {
	Name     string
	Contents []EntityID
}

func (c *Container) remove(id EntityID) {
	for i, e := range c.Contents {
		if e == id {
			c.Contents = append(c.Contents[:i], c.Contents[i+1:]...)
			return
		}
	}
}

// EntityInfo is a copied view of an entity's flags and membership, safe to
// hold without the world lock.
type EntityInfo struct {
	Kind           string
	Name           string
	Parent         EntityID
	Pos            Vec2i
	Rot            Rot
	HasPos         bool
	Anchored       bool
	Structural     bool
	ContainedBy    EntityID
	ContainerNames []string

	HasPowerCell       bool
	HasPilotBinding    bool
	HasViewportBinding bool
	HasAtmosDevice     bool
}
