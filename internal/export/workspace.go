package export

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"gridwright.io/internal/sim/world"
)

// Workspace is an ephemeral scratch map hosting exactly one grid while it
// is sanitized and encoded.
type Workspace struct {
	ID  string
	Map world.EntityID
}

// WorkspaceManager creates and destroys scratch maps. Creation fails only
// on map-slot exhaustion, which aborts the pipeline; destruction tolerates
// the map already being gone.
type WorkspaceManager struct {
	w      *world.World
	logger *log.Logger
}

func NewWorkspaceManager(w *world.World, logger *log.Logger) *WorkspaceManager {
	if logger == nil {
		logger = log.Default()
	}
	return &WorkspaceManager{w: w, logger: logger}
}

func (m *WorkspaceManager) Create() (Workspace, error) {
	id := uuid.NewString()
	mapID, err := m.w.CreateMap("export-" + id)
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return Workspace{ID: id, Map: mapID}, nil
}

// Destroy deletes the scratch map and everything still parented to it.
// Called exactly once per created workspace, on every pipeline outcome.
func (m *WorkspaceManager) Destroy(ws Workspace) {
	if !m.w.Alive(ws.Map) {
		m.logger.Printf("workspace %s already gone", ws.ID)
		return
	}
	if err := m.w.DeleteEntity(ws.Map); err != nil {
		m.logger.Printf("destroy workspace %s: %v", ws.ID, err)
	}
}

// relocateGrid moves the grid into the workspace frame: parented to the
// scratch map at its origin with zero rotation. Membership is untouched.
func relocateGrid(w *world.World, root world.EntityID, ws Workspace) error {
	if err := w.MoveGridTo(root, ws.Map); err != nil {
		return fmt.Errorf("relocate: %w", err)
	}
	return nil
}
