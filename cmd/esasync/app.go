package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/config"
	"github.com/MarcoPoloResearchLab/esasync/internal/database"
	"github.com/MarcoPoloResearchLab/esasync/internal/logging"
	"github.com/MarcoPoloResearchLab/esasync/internal/remote"
	"github.com/MarcoPoloResearchLab/esasync/internal/session"
	"github.com/MarcoPoloResearchLab/esasync/internal/store"
	"github.com/MarcoPoloResearchLab/esasync/internal/syncer"
	"github.com/MarcoPoloResearchLab/esasync/internal/tracker"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app wires the local stack for one command invocation.
type app struct {
	cfg      config.ClientConfig
	logger   *zap.Logger
	db       *gorm.DB
	store    *store.Store
	tracker  *tracker.Tracker
	sessions *session.FileStore
}

func openApp() (*app, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenLocal(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	recordStore, err := store.New(store.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	changeTracker, err := tracker.New(tracker.Config{Store: recordStore, IDProvider: tracker.NewUUIDProvider(), Logger: logger})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    recordStore,
		tracker:  changeTracker,
		sessions: session.NewFileStore(cfg.DataDir, time.Now, logger),
	}, nil
}

func (a *app) Close() error {
	var err error
	if sqlDB, dbErr := a.db.DB(); dbErr == nil {
		err = multierr.Append(err, sqlDB.Close())
	}
	_ = a.logger.Sync()
	return err
}

func (a *app) client() (*remote.Client, error) {
	if err := a.cfg.RequireServer(); err != nil {
		return nil, err
	}
	return remote.NewClient(remote.Config{
		BaseURL:     a.cfg.ServerURL,
		PushTimeout: a.cfg.PushTimeout,
		PullTimeout: a.cfg.PullTimeout,
		Logger:      a.logger,
	})
}

func (a *app) session() (*session.Session, error) {
	current, err := a.sessions.Load()
	switch {
	case errors.Is(err, session.ErrNoSession):
		return nil, fmt.Errorf("not logged in; run esasync login")
	case errors.Is(err, session.ErrExpired):
		return nil, fmt.Errorf("session for %s expired; run esasync login", current.Username)
	case err != nil:
		return nil, err
	}
	return current, nil
}

func (a *app) runner(onPhase func(syncer.Phase)) (*syncer.Runner, *session.Session, *remote.Client, error) {
	current, err := a.session()
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := a.client()
	if err != nil {
		return nil, nil, nil, err
	}
	lock, err := syncer.NewLock(a.cfg.DataDir)
	if err != nil {
		return nil, nil, nil, err
	}
	engine, err := syncer.NewEngine(syncer.Config{
		Store:           a.store,
		Transport:       client,
		Session:         current,
		Lock:            lock,
		PullConcurrency: a.cfg.PullConcurrency,
		Logger:          a.logger,
		OnPhase:         onPhase,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	runner, err := syncer.NewRunner(syncer.RunnerConfig{
		Engine:      engine,
		MaxAttempts: a.cfg.MaxAttempts,
		RetryDelay:  a.cfg.RetryDelay,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return runner, current, client, nil
}

// withApp opens the local stack around fn.
func withApp(fn func(a *app) error) (err error) {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()
	return fn(a)
}
