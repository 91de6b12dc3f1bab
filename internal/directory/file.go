package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tenantsync/internal/domain"
)

// DefaultDebounce coalesces bursts of file events into one notification.
const DefaultDebounce = 250 * time.Millisecond

// fileFormat is the YAML layout:
//
//	workspaces:
//	  - instanceId: acme
//	    userId: u-1
type fileFormat struct {
	Workspaces []domain.Workspace `yaml:"workspaces"`
}

// File reads the directory from a YAML file on every call.
type File struct {
	path   string
	logger *slog.Logger
}

// NewFile creates a File directory for path. The file need not exist yet.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, logger: logger}, nil
}

// Path returns the watched file path.
func (f *File) Path() string {
	return f.path
}

// ListWorkspaces parses the file. A missing file is an error so that a
// misconfigured path never reads as "no workspaces" and stops every store.
func (f *File) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", f.path, err)
	}
	for i, ws := range doc.Workspaces {
		if domain.Canonical(ws.InstanceID) == "" {
			return nil, fmt.Errorf("parse directory file %s: workspace %d has no instanceId", f.path, i)
		}
	}
	return doc.Workspaces, nil
}

// Watch calls onChange after the file is written, created, renamed or
// removed, at most once per debounce window. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file are
// still seen.
func (f *File) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(f.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			f.logger.Debug("directory file changed", "path", f.path, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("directory watcher error", "path", f.path, "error", err)
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
