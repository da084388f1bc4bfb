package world

import (
	"errors"
	"testing"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	return New(WorldConfig{ID: "W1", TickRateHz: 20, MaxMaps: 4}, nil)
}

func TestArena_StaleHandleAfterReuse(t *testing.T) {
	w := newTestWorld(t)
	m, err := w.CreateMap("station")
	if err != nil {
		t.Fatalf("create map: %v", err)
	}
	e1, err := w.Spawn(SpawnSpec{Kind: KindCrate, Parent: m, HasPos: true})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := w.DeleteEntity(e1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if w.Alive(e1) {
		t.Fatalf("deleted entity still alive")
	}

	// The freed slot is reused; the old handle must stay dead.
	e2, err := w.Spawn(SpawnSpec{Kind: KindCrate, Parent: m, HasPos: true})
	if err != nil {
		t.Fatalf("respawn: %v", err)
	}
	if e2.Index != e1.Index {
		t.Fatalf("expected slot reuse, got %v vs %v", e2, e1)
	}
	if e2.Gen == e1.Gen {
		t.Fatalf("generation not bumped on reuse")
	}
	if w.Alive(e1) {
		t.Fatalf("stale handle reports alive")
	}
	if !w.Alive(e2) {
		t.Fatalf("fresh handle reports dead")
	}
}

func TestDeleteEntity_CascadesContainersAndChildren(t *testing.T) {
	w := newTestWorld(t)
	m, _ := w.CreateMap("station")
	grid, err := w.CreateGrid(m, "Courier", Vec2i{X: 10, Z: 10}, []Vec2i{{0, 0}, {1, 0}})
	if err != nil {
		t.Fatalf("create grid: %v", err)
	}
	locker, _ := w.Spawn(SpawnSpec{Kind: KindCrate, Parent: grid, HasPos: true, Anchored: true, Containers: []string{"storage"}})
	item, _ := w.Spawn(SpawnSpec{Kind: "wrench", Parent: grid})
	if err := w.InsertIntoContainer(locker, "storage", item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	wall, _ := w.Spawn(SpawnSpec{Kind: KindWallMarker, Parent: grid, HasPos: true, Anchored: true, Structural: true})

	if err := w.DeleteEntity(grid); err != nil {
		t.Fatalf("delete grid: %v", err)
	}
	for _, id := range []EntityID{grid, locker, item, wall} {
		if w.Alive(id) {
			t.Fatalf("entity %s survived grid deletion", id)
		}
	}
	// Deleting again is benign.
	if err := w.DeleteEntity(grid); err != nil {
		t.Fatalf("re-delete: %v", err)
	}
}

func TestDeleteEntity_RemovesFromHolderContainer(t *testing.T) {
	w := newTestWorld(t)
	m, _ := w.CreateMap("station")
	grid, _ := w.CreateGrid(m, "G", Vec2i{}, nil)
	locker, _ := w.Spawn(SpawnSpec{Kind: KindCrate, Parent: grid, HasPos: true, Containers: []string{"storage"}})
	item, _ := w.Spawn(SpawnSpec{Kind: "wrench", Parent: grid})
	if err := w.InsertIntoContainer(locker, "storage", item); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := w.DeleteEntity(item); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if got := w.ContainerContents(locker, "storage"); len(got) != 0 {
		t.Fatalf("container still holds %v", got)
	}
}

func TestMoveGridTo_ResetsFrame(t *testing.T) {
	w := newTestWorld(t)
	src, _ := w.CreateMap("station")
	dst, _ := w.CreateMap("scratch")
	grid, _ := w.CreateGrid(src, "G", Vec2i{X: 40, Z: -7}, nil)
	crate, _ := w.Spawn(SpawnSpec{Kind: KindCrate, Parent: grid, HasPos: true})

	if err := w.MoveGridTo(grid, dst); err != nil {
		t.Fatalf("move: %v", err)
	}
	info, ok := w.Info(grid)
	if !ok {
		t.Fatalf("grid gone after move")
	}
	if info.Parent != dst || info.Pos != (Vec2i{}) || info.Rot != 0 {
		t.Fatalf("grid frame not reset: %+v", info)
	}
	ci, _ := w.Info(crate)
	if ci.Parent != grid {
		t.Fatalf("attached entity lost its grid parent")
	}
}

func TestCreateMap_Exhaustion(t *testing.T) {
	w := New(WorldConfig{ID: "W1", MaxMaps: 1}, nil)
	if _, err := w.CreateMap("a"); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if _, err := w.CreateMap("b"); !errors.Is(err, ErrMapLimit) {
		t.Fatalf("want ErrMapLimit, got %v", err)
	}
}

func TestDeeds_ClaimReleaseRevoke(t *testing.T) {
	w := newTestWorld(t)
	m, _ := w.CreateMap("station")
	grid, _ := w.CreateGrid(m, "Courier", Vec2i{}, nil)
	card1, _ := w.Spawn(SpawnSpec{Kind: KindIDCard, Parent: m, HasPos: true})
	card2, _ := w.Spawn(SpawnSpec{Kind: KindIDCard, Parent: m, HasPos: true})
	if err := w.IssueDeed(card1, grid); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := w.IssueDeed(card2, grid); err != nil {
		t.Fatalf("issue second: %v", err)
	}

	got, err := w.ClaimDeed(card1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != grid {
		t.Fatalf("claim returned %s, want %s", got, grid)
	}
	// Claimed deed refuses a second claim.
	if _, err := w.ClaimDeed(card1); !errors.Is(err, ErrNoDeed) {
		t.Fatalf("second claim: want ErrNoDeed, got %v", err)
	}
	w.ReleaseDeed(card1)
	if _, err := w.ClaimDeed(card1); err != nil {
		t.Fatalf("claim after release: %v", err)
	}

	if n := w.RevokeDeedsFor(grid); n != 2 {
		t.Fatalf("revoked %d deeds, want 2", n)
	}
	if _, err := w.ClaimDeed(card2); !errors.Is(err, ErrNoDeed) {
		t.Fatalf("claim after revoke: want ErrNoDeed, got %v", err)
	}
}

func TestPowerSystem_FillToCapacity(t *testing.T) {
	w := newTestWorld(t)
	ps := NewPowerSystem(w)
	m, _ := w.CreateMap("station")
	grid, _ := w.CreateGrid(m, "G", Vec2i{}, nil)
	apc, _ := w.Spawn(SpawnSpec{
		Kind: "apc", Parent: grid, HasPos: true, Anchored: true,
		PowerCell: &PowerCell{Charge: 3, Capacity: 100},
	})
	if err := ps.FillToCapacity(apc); err != nil {
		t.Fatalf("fill: %v", err)
	}
	charge, capacity, ok := ps.CellCharge(apc)
	if !ok || charge != capacity || charge != 100 {
		t.Fatalf("cell not full: %d/%d ok=%v", charge, capacity, ok)
	}
	// No cell is a no-op, not an error.
	bare, _ := w.Spawn(SpawnSpec{Kind: KindCrate, Parent: grid, HasPos: true})
	if err := ps.FillToCapacity(bare); err != nil {
		t.Fatalf("fill bare: %v", err)
	}
}

func TestEntityRef_RoundTrip(t *testing.T) {
	id := EntityID{Index: 42, Gen: 7}
	parsed, err := ParseEntityRef(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip: %v != %v", parsed, id)
	}
	if _, err := ParseEntityRef("bogus"); err == nil {
		t.Fatalf("expected parse error")
	}
}
