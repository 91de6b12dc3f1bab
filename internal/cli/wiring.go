package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/tenantsync/internal/config"
	"github.com/roach88/tenantsync/internal/directory"
	"github.com/roach88/tenantsync/internal/events"
	"github.com/roach88/tenantsync/internal/httpapi"
	"github.com/roach88/tenantsync/internal/reconcile"
	"github.com/roach88/tenantsync/internal/scheduler"
)

// responderTimeout bounds one call to the HTTP responder.
const responderTimeout = 30 * time.Second

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Load(opts.v, slog.Default())
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// openedDirectory is the configured workspace directory. file is set for
// the file backend so serve can watch it; writer is set for Postgres.
type openedDirectory struct {
	reconcile.Directory
	file   *directory.File
	writer httpapi.DirectoryWriter
	closer io.Closer
}

func (d *openedDirectory) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func openDirectory(cfg config.Config) (*openedDirectory, error) {
	switch cfg.Directory {
	case config.DirectoryPostgres:
		pg, err := directory.NewPostgres(cfg.DatabaseURL, directory.DefaultTable)
		if err != nil {
			return nil, err
		}
		return &openedDirectory{Directory: pg, writer: pg, closer: pg}, nil
	case config.DirectoryFile:
		f, err := directory.NewFile(cfg.DirectoryFile, slog.Default())
		if err != nil {
			return nil, err
		}
		return &openedDirectory{Directory: f, file: f}, nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory)
	}
}

func newResponder(cfg config.Config) events.Responder {
	if cfg.ResponderURL == "" {
		return events.EchoResponder{}
	}
	return events.NewHTTPResponder(cfg.ResponderURL, responderTimeout)
}

func loadTasks(cfg config.Config) ([]scheduler.Task, error) {
	if cfg.TasksDir == "" {
		return nil, nil
	}
	return scheduler.LoadTasks(cfg.TasksDir)
}
