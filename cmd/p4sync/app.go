package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/term"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/changelist/p4"
	"github.com/mschirtzinger/p4sync/internal/claim"
	"github.com/mschirtzinger/p4sync/internal/config"
	"github.com/mschirtzinger/p4sync/internal/cursor"
	"github.com/mschirtzinger/p4sync/internal/daemon"
	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/entity/shotgrid"
	"github.com/mschirtzinger/p4sync/internal/entity/sqlite"
	"github.com/mschirtzinger/p4sync/internal/identity"
	"github.com/mschirtzinger/p4sync/internal/locator"
	"github.com/mschirtzinger/p4sync/internal/logging"
	"github.com/mschirtzinger/p4sync/internal/pathctx"
	"github.com/mschirtzinger/p4sync/internal/publish"
	"github.com/mschirtzinger/p4sync/internal/scope"
	"github.com/mschirtzinger/p4sync/internal/sidechannel"
)

// loadConfig reads the config file, applies command-line overrides and
// validates the result.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, flagUser, flagPassword, flagDebug, promptPassword); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, user, password string, debug bool, prompt func(string) (string, error)) error {
	if user != "" {
		cfg.P4.User = user
	}
	if password == "-" {
		p, err := prompt(fmt.Sprintf("Perforce password for %s: ", cfg.P4.User))
		if err != nil {
			return err
		}
		password = p
	}
	if password != "" {
		cfg.P4.Password = password
	}
	if debug {
		cfg.Log.Debug = true
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for a password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(p), nil
}

// app holds the long-lived resources of one command run.
type app struct {
	cfg     config.Config
	sink    *logging.Sink
	logger  *log.Logger
	project entity.Ref

	store   entity.Store
	side    *sidechannel.Store
	closers []io.Closer
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	sink := logging.New(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Debug:      cfg.Log.Debug,
	})

	a := &app{
		cfg:     cfg,
		sink:    sink,
		logger:  sink.Logger("p4sync"),
		project: entity.Ref{Type: "Project", ID: cfg.Project.ID},
		closers: []io.Closer{sink},
	}

	store, closer, err := openStore(ctx, cfg.Store, cfg.Sync)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closer)
	sink.Debugf(a.logger, "entity store backend %s", cfg.Store.Backend)

	if cfg.SideChannel.Path != "" {
		side, err := sidechannel.Open(ctx, cfg.SideChannel.Path)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.side = side
		a.closers = append(a.closers, side)
	}

	return a, nil
}

func openStore(ctx context.Context, sc config.StoreConfig, sync config.SyncConfig) (entity.Store, io.Closer, error) {
	switch sc.Backend {
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendShotGrid:
		c, err := shotgrid.New(ctx, shotgrid.Config{
			URL:        sc.URL,
			ScriptName: sc.ScriptName,
			APIKey:     sc.APIKey,
			Login:      sc.Login,
			Password:   sc.Password,
			Timeout:    sync.CallTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) counterName() string {
	return cursor.Name(a.cfg.Sync.CounterPrefix, a.cfg.Project.ID)
}

func (a *app) connector() changelist.Connector {
	return p4.Connector(p4.Config{
		Bin:      a.cfg.P4.Bin,
		Port:     a.cfg.P4.Port,
		User:     a.cfg.P4.User,
		Password: a.cfg.P4.Password,
		Client:   a.cfg.P4.Client,
		Charset:  a.cfg.P4.Charset,
		Timeout:  a.cfg.Sync.CallTimeout,
	}, nil)
}

// driver wires one worker. Every cache it builds belongs to this worker.
func (a *app) driver(start int, observer daemon.Observer) (*daemon.Driver, error) {
	logins, err := identity.LoadMap(a.cfg.Identity.MapFile)
	if err != nil {
		return nil, err
	}
	users := identity.New(a.store, logins, a.sink.Logger("identity"))

	contexts, err := pathctx.New(a.store, a.cfg.Context.Rules, a.sink.Logger("pathctx"))
	if err != nil {
		return nil, err
	}

	filter := scope.New(scope.Config{
		ProjectID: a.cfg.Project.ID,
		Marker:    a.cfg.Scope.Marker,
		Platform:  a.cfg.Scope.Platform,
		Logger:    a.sink.Logger("scope"),
	})

	claimer := claim.New(a.store, claim.Config{
		Project:      a.project,
		RevisionType: a.cfg.Sync.RevisionKind,
		FileType:     a.cfg.Sync.FileKind,
		Identity:     users,
		Logger:       a.sink.Logger("claim"),
	})

	pcfg := publish.Config{
		Project:  a.project,
		FileType: a.cfg.Sync.FileKind,
		Scope:    filter,
		Contexts: contexts,
		Identity: users,
		Logger:   a.sink.Logger("publish"),
	}
	if a.side != nil {
		pcfg.SideChannel = a.side
	}
	syncer := publish.New(a.store, pcfg)

	if start == 0 {
		start = a.cfg.Sync.Start
	}

	return daemon.New(&daemon.Config{
		PollInterval: a.cfg.Sync.PollInterval,
		Start:        start,
		CounterName:  a.counterName(),
		WakeDir:      a.cfg.Sync.WakeDir,
		Logger:       a.sink.Logger("daemon"),
	}, daemon.Components{
		Connect:   a.connector(),
		Locator:   locator.New(a.cfg.Sync.BatchSize),
		Scope:     filter,
		Claimer:   claimer,
		Populator: syncer,
		Observer:  observer,
	})
}
