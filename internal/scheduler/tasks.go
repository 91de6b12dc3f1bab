package scheduler

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/tenantsync/internal/domain"
)

//go:embed schema.cue
var schemaSource string

// Task is one recurring prompt committed to every targeted store.
type Task struct {
	ID             string
	Interval       time.Duration
	Prompt         string
	Enabled        bool
	Stores         []string // empty means every monitored store
	ConversationID string
}

// Targets reports whether the task runs against storeID.
func (t Task) Targets(storeID string) bool {
	if len(t.Stores) == 0 {
		return true
	}
	for _, s := range t.Stores {
		if domain.Canonical(s) == storeID {
			return true
		}
	}
	return false
}

type rawTask struct {
	IntervalHours int      `json:"interval_hours"`
	Prompt        string   `json:"prompt"`
	Enabled       bool     `json:"enabled"`
	Stores        []string `json:"stores"`
	Conversation  string   `json:"conversation"`
}

// LoadError reports an invalid task definition.
type LoadError struct {
	Task    string
	Message string
}

func (e *LoadError) Error() string {
	if e.Task == "" {
		return e.Message
	}
	return fmt.Sprintf("task %s: %s", e.Task, e.Message)
}

// LoadTasks reads every .cue file in dir and validates it against the task
// schema:
//
//	task: nightly_digest: {
//		interval_hours: 24
//		prompt:         "Summarise today's conversations."
//	}
//
// Tasks are returned ordered by id. All definition errors are collected.
func LoadTasks(dir string) ([]Task, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("tasks directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tasks directory: not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan tasks directory: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, errors.New("no CUE instances loaded")
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", err)
	}
	value := ctx.BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}
	return decodeTasks(ctx.CompileString(schemaSource).Unify(value))
}

// ParseTasks validates task definitions from CUE source text.
func ParseTasks(src string) ([]Task, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compiling CUE: %w", err)
	}
	return decodeTasks(ctx.CompileString(schemaSource).Unify(value))
}

func decodeTasks(v cue.Value) ([]Task, error) {
	tasksVal := v.LookupPath(cue.ParsePath("task"))
	if !tasksVal.Exists() {
		return nil, nil
	}
	iter, err := tasksVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}

	var tasks []Task
	var errs []error
	for iter.Next() {
		id := domain.Canonical(iter.Label())
		tv := iter.Value()
		if err := tv.Validate(cue.Concrete(true)); err != nil {
			errs = append(errs, &LoadError{Task: id, Message: err.Error()})
			continue
		}
		var raw rawTask
		if err := tv.Decode(&raw); err != nil {
			errs = append(errs, &LoadError{Task: id, Message: err.Error()})
			continue
		}
		conv := strings.TrimSpace(raw.Conversation)
		if conv == "" {
			conv = "task-" + id
		}
		tasks = append(tasks, Task{
			ID:             id,
			Interval:       time.Duration(raw.IntervalHours) * time.Hour,
			Prompt:         raw.Prompt,
			Enabled:        raw.Enabled,
			Stores:         raw.Stores,
			ConversationID: conv,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}
