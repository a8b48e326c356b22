package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/puzzleden/escape-lobby-backend/internal/broadcast"
	"github.com/puzzleden/escape-lobby-backend/internal/config"
	"github.com/puzzleden/escape-lobby-backend/internal/httpapi"
	"github.com/puzzleden/escape-lobby-backend/internal/hub"
	"github.com/puzzleden/escape-lobby-backend/internal/puzzle"
	"github.com/puzzleden/escape-lobby-backend/internal/session"
	"github.com/puzzleden/escape-lobby-backend/internal/team"
	"github.com/puzzleden/escape-lobby-backend/internal/ws"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		sessions session.Store
		teams    team.Directory
		puzzles  puzzle.Catalog
	)
	if cfg.DatabaseDSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
		if err != nil {
			log.Fatal("opening database", zap.Error(err))
		}
		if err := db.AutoMigrate(&session.Record{}, &team.Team{}, &team.Member{}, &puzzle.Puzzle{}); err != nil {
			log.Fatal("migrating schema", zap.Error(err))
		}
		sessions = session.NewGormStore(db)
		teams = team.NewGormDirectory(db)
		puzzles = puzzle.NewGormCatalog(db)
		log.Info("using postgres store")
	} else {
		// Dev mode: everything is process-local and lost on restart.
		sessions = session.NewMemoryStore()
		teams = team.NewMemoryDirectory()
		puzzles = puzzle.NewMemoryCatalog()
		log.Warn("no database configured; using in-memory stores")
	}

	clock := clockwork.NewRealClock()
	bc := broadcast.New(log)
	coordinator := session.NewCoordinator(sessions, bc, clock, log, cfg.DefaultRunLimit)
	h := hub.NewHub(ctx, coordinator, bc, clock, log)
	sweeper := session.NewSweeper(sessions, bc, clock, log, cfg.SweepInterval)

	handler := &httpapi.Handler{
		Hub:      h,
		Sessions: coordinator,
		Teams:    teams,
		Puzzles:  puzzles,
		Bc:       bc,
		Clock:    clock,
		Log:      log,
		Secret:   cfg.CoordinatorSecret,
	}
	events := ws.Handler(ws.Deps{Hub: h, Bc: bc, Teams: teams, Log: log})
	router := httpapi.SetupRoutes(handler, events, cfg.AllowedOrigins)

	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}
