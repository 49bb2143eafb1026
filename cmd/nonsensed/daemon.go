package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/nonsense/internal/api"
	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/bus"
	"github.com/seantiz/nonsense/internal/config"
	"github.com/seantiz/nonsense/internal/controller"
	"github.com/seantiz/nonsense/internal/entity"
	"github.com/seantiz/nonsense/internal/logstream"
	"github.com/seantiz/nonsense/internal/store"
)

func run(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	log := logrus.NewEntry(logger)

	log.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"db_path":     cfg.DBPath,
		"entities":    cfg.Entities,
		"helper":      cfg.HelperPath,
	}).Info("nonsensed: starting")

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seed(ctx, db, cfg.Entities, log); err != nil {
		return err
	}
	catalog, err := store.LoadCatalog(ctx, db)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	log.WithField("entities", len(catalog.Names())).Info("catalog loaded")

	loop := async.NewLoop(async.WithLogger(log.WithField("component", "loop")))

	system, err := bus.ConnectSystem()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer system.Close()
	loop.Register(system)

	broker := logstream.NewBroker()
	history := entity.NewHistory(db, log.WithField("component", "history"))
	defer history.Wait()
	defer history.Close()

	spawner := &entity.ExecSpawner{
		Path:     cfg.HelperPath,
		LogLevel: cfg.LogLevel.String(),
		Broker:   broker,
		Log:      log.WithField("component", "entityd"),
	}
	orch := entity.NewOrchestrator(loop, system, catalog, spawner,
		entity.WithHistory(history),
		entity.WithLogger(log.WithField("component", "orchestrator")),
	)

	ctrl := controller.New(loop, orch, controller.BusUsers{Conn: system.Raw()},
		cfg.AllowedUIDs, log.WithField("component", "controller"))
	if err := ctrl.Export(system.Raw(), cfg.BusName); err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, db, orch, broker, log.WithField("component", "api"))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("notify systemd")
	} else if sent {
		log.Debug("notified systemd")
	}

	err = g.Wait()
	log.Info("nonsensed: stopped")
	return err
}

// seed makes db hold the definitions of path. A missing file is not an
// error; the database may already hold the catalog.
func seed(ctx context.Context, db store.Store, path string, log *logrus.Entry) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", path).Warn("entity file not found, using stored definitions")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open entity file: %w", err)
	}
	defer f.Close()

	res, err := store.ImportYAML(ctx, db, f)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "entities": res.Written}).Info("entity definitions imported")
	if len(res.Removed) > 0 {
		log.WithField("removed", res.Removed).Info("stale entity definitions removed")
	}
	return nil
}
