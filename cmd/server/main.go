package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gridwright.io/internal/export"
	"gridwright.io/internal/export/encoder"
	"gridwright.io/internal/persistence/exportdb"
	persistlog "gridwright.io/internal/persistence/log"
	"gridwright.io/internal/sim/world"
	"gridwright.io/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "station_1", "world id")
		tickRate   = flag.Int("tick_rate", 20, "simulation tick rate (hz)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configPath = flag.String("config", "./configs/export.yaml", "export pipeline config path")
		disableDB  = flag.Bool("disable_db", false, "disable the export audit index")
		seedDemo   = flag.Bool("seed_demo", true, "seed a demo grid and deed on startup")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := export.Load(*configPath)
	if err != nil {
		logger.Fatalf("load export config: %v", err)
	}
	if strings.TrimSpace(cfg.StagingDir) == "" || cfg.StagingDir == "./data/exports" {
		cfg.StagingDir = filepath.Join(*dataDir, "exports")
	}

	w := world.New(world.WorldConfig{ID: *worldID, TickRateHz: *tickRate}, logger)
	power := world.NewPowerSystem(w)

	if *seedDemo {
		if err := seedDemoStation(w, logger); err != nil {
			logger.Fatalf("seed demo: %v", err)
		}
	}

	oplog := persistlog.NewOpLogger(filepath.Join(*dataDir, "worlds", *worldID))
	defer oplog.Close()

	var audit export.AuditSink
	if !*disableDB {
		idx, err := exportdb.Open(filepath.Join(*dataDir, "worlds", *worldID, "exports.db"))
		if err != nil {
			logger.Fatalf("open export index: %v", err)
		}
		defer idx.Close()
		audit = idx
	}

	svc := export.NewService(w, power, cfg, encoder.New(w), audit, oplog, logger)

	wsSrv, err := ws.NewServer(w, svc, logger)
	if err != nil {
		logger.Fatalf("ws server: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("world loop: %v", err)
		}
	}()

	go func() {
		logger.Printf("listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// Scheduled pipelines are not cancellable; let them finish their
	// cleanup phases before the process exits.
	svc.Wait()
	logger.Printf("bye")
}

// seedDemoStation builds a small station with one exportable grid so a
// fresh server is usable immediately. The card ref for the deed is logged;
// clients pass it in EXPORT_REQUEST.card_ref.
func seedDemoStation(w *world.World, logger *log.Logger) error {
	m, err := w.CreateMap("station")
	if err != nil {
		return err
	}
	grid, err := w.CreateGrid(m, "Courier", world.Vec2i{X: 24, Z: 8}, []world.Vec2i{
		{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 2, Z: 0}, {X: 0, Z: 1}, {X: 1, Z: 1}, {X: 2, Z: 1},
	})
	if err != nil {
		return err
	}
	if _, err := w.Spawn(world.SpawnSpec{Kind: world.KindWallMarker, Parent: grid, HasPos: true, Anchored: true, Structural: true}); err != nil {
		return err
	}
	if _, err := w.Spawn(world.SpawnSpec{
		Kind: "apc", Parent: grid, Pos: world.Vec2i{X: 1}, HasPos: true, Anchored: true,
		PowerCell: &world.PowerCell{Charge: 40, Capacity: 100},
	}); err != nil {
		return err
	}
	locker, err := w.Spawn(world.SpawnSpec{
		Kind: world.KindCrate, Parent: grid, Pos: world.Vec2i{X: 2}, HasPos: true, Anchored: true,
		Containers: []string{"storage"},
	})
	if err != nil {
		return err
	}
	wrench, err := w.Spawn(world.SpawnSpec{Kind: "wrench", Parent: grid})
	if err != nil {
		return err
	}
	if err := w.InsertIntoContainer(locker, "storage", wrench); err != nil {
		return err
	}
	card, err := w.Spawn(world.SpawnSpec{Kind: world.KindIDCard, Parent: m, HasPos: true})
	if err != nil {
		return err
	}
	if err := w.IssueDeed(card, grid); err != nil {
		return err
	}
	logger.Printf("demo grid %s (Courier) deeded to card %s", grid, card)
	return nil
}
