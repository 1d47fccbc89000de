package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lmerrett/stravasync/internal/config"
	"github.com/lmerrett/stravasync/internal/logging"
	"github.com/lmerrett/stravasync/internal/store/credstore"
	"github.com/lmerrett/stravasync/internal/store/datastore"
	"github.com/lmerrett/stravasync/internal/store/fsatomic"
	"github.com/lmerrett/stravasync/internal/strava"
	"github.com/lmerrett/stravasync/internal/sync"
	"github.com/lmerrett/stravasync/internal/token"
)

// app wires the components for one command invocation and holds the
// cross-process lock for its whole lifetime.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	lock   *fsatomic.FileLock

	client *strava.Client
	creds  *credstore.Store
	data   *datastore.Store
	tokens *token.Manager
	engine *sync.Engine
}

// newApp loads configuration, builds the logger and acquires the run lock.
// Callers must defer a.close().
func newApp() (*app, error) {
	cfg, err := config.Load(cfgViper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	lock, err := fsatomic.Acquire(cfg.LockPath())
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}

	client := strava.New(strava.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Logger:       logger,
	})
	creds := credstore.New(cfg.CredentialPath(), []byte(cfg.Passphrase), cfg.BufferSize, logger)
	data := datastore.New(cfg.DatasetPath(), []byte(cfg.Passphrase), cfg.BufferSize, logger)
	tokens := token.NewManager(token.Config{
		Provider: client,
		Store:    creds,
		Logger:   logger,
	})
	engine := sync.New(sync.Config{
		Client:      client,
		Tokens:      tokens,
		Store:       data,
		PerPage:     cfg.PerPage,
		MaxRateWait: cfg.MaxRateWait,
		FetchSplits: cfg.FetchSplits,
		Logger:      logger,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		lock:   lock,
		client: client,
		creds:  creds,
		data:   data,
		tokens: tokens,
		engine: engine,
	}, nil
}

func (a *app) close() {
	if err := a.lock.Release(); err != nil {
		a.logger.Warn("release run lock", zap.Error(err))
	}
	_ = a.logger.Sync()
}
