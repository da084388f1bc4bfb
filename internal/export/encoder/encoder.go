package encoder

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"gridwright.io/internal/sim/world"
)

// Artifact layout: one JSON header line for tooling that wants to sniff
// the file, then a gob-encoded GridRecordV1, all inside a zstd frame.

type HeaderV1 struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
	Name    string `json:"name"`
}

type GridRecordV1 struct {
	Header HeaderV1 `json:"header"`

	Cells    []world.Vec2i `json:"cells"`
	Entities []EntityV1    `json:"entities"`
}

type EntityV1 struct {
	Ref        string      `json:"ref"`
	Kind       string      `json:"kind"`
	Name       string      `json:"name,omitempty"`
	Pos        world.Vec2i `json:"pos"`
	Rot        int         `json:"rot"`
	Anchored   bool        `json:"anchored"`
	Structural bool        `json:"structural,omitempty"`

	Containers []ContainerV1 `json:"containers,omitempty"`

	PowerCharge   int  `json:"power_charge,omitempty"`
	PowerCapacity int  `json:"power_capacity,omitempty"`
	HasPowerCell  bool `json:"has_power_cell,omitempty"`
}

type ContainerV1 struct {
	Name     string   `json:"name"`
	Contents []string `json:"contents,omitempty"`
}

// GridEncoder serializes sanitized grids. It reads the world through its
// snapshot view and never mutates it.
type GridEncoder struct {
	w *world.World
}

func New(w *world.World) *GridEncoder { return &GridEncoder{w: w} }

func (e *GridEncoder) EncodeGrid(root world.EntityID, path string) error {
	ex, err := e.w.ExportGrid(root)
	if err != nil {
		return err
	}
	rec := GridRecordV1{
		Header: HeaderV1{Version: 1, WorldID: e.w.ID(), Tick: e.w.Tick(), Name: ex.Name},
		Cells:  ex.Cells,
	}
	for _, ent := range ex.Entities {
		ev := EntityV1{
			Ref:           ent.Ref,
			Kind:          ent.Kind,
			Name:          ent.Name,
			Pos:           ent.Pos,
			Rot:           int(ent.Rot),
			Anchored:      ent.Anchored,
			Structural:    ent.Structural,
			PowerCharge:   ent.PowerCharge,
			PowerCapacity: ent.PowerCapacity,
			HasPowerCell:  ent.HasPowerCell,
		}
		for _, c := range ent.Containers {
			ev.Containers = append(ev.Containers, ContainerV1{Name: c.Name, Contents: c.Contents})
		}
		rec.Entities = append(rec.Entities, ev)
	}
	return WriteGridRecord(path, rec)
}

func WriteGridRecord(path string, rec GridRecordV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(rec.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&rec); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadGridRecord(path string) (GridRecordV1, error) {
	var rec GridRecordV1
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return rec, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; gob carries the header too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&rec); err != nil {
		return rec, fmt.Errorf("gob decode: %w", err)
	}
	return rec, nil
}
