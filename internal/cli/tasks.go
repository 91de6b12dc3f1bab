package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantsync/internal/scheduler"
)

// TaskSummary describes one valid task definition.
type TaskSummary struct {
	ID            string   `json:"id"`
	IntervalHours int      `json:"intervalHours"`
	Enabled       bool     `json:"enabled"`
	Stores        []string `json:"stores,omitempty"`
	Conversation  string   `json:"conversation"`
}

// NewTasksCommand creates the tasks command group.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Work with recurring task definitions",
	}
	cmd.AddCommand(newTasksValidateCommand(rootOpts))
	return cmd
}

func newTasksValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <tasks-dir>",
		Short: "Validate CUE task definitions",
		Long: `Validate every .cue file in a directory against the task schema and
list the tasks it defines.

Example:
  tenantsync tasks validate ./tasks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksValidate(opts, args[0], cmd)
		},
	}
}

func runTasksValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	formatter.VerboseLog("loading tasks from %s", dir)

	tasks, err := scheduler.LoadTasks(dir)
	if err != nil {
		var loadErrs []string
		var le *scheduler.LoadError
		for _, e := range unwrapJoined(err) {
			if errors.As(e, &le) {
				loadErrs = append(loadErrs, le.Error())
			}
		}
		if len(loadErrs) == 0 {
			return formatter.Fail(ExitCommandError, CodeInvalidTask, "cannot load tasks", err)
		}
		if outErr := formatter.Error(CodeInvalidTask,
			fmt.Sprintf("%d invalid task definition(s)", len(loadErrs)), loadErrs); outErr != nil {
			return outErr
		}
		if opts.Format != "json" {
			for _, msg := range loadErrs {
				fmt.Fprintf(formatter.Writer, "  - %s\n", msg)
			}
		}
		return WrapExitError(ExitFailure, "invalid task definitions", err)
	}

	summaries := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, TaskSummary{
			ID:            t.ID,
			IntervalHours: int(t.Interval.Hours()),
			Enabled:       t.Enabled,
			Stores:        t.Stores,
			Conversation:  t.ConversationID,
		})
	}
	return formatter.Success(summaries, formatTasksText(summaries))
}

func formatTasksText(tasks []TaskSummary) string {
	if len(tasks) == 0 {
		return "No tasks defined"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) valid", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		targets := "all stores"
		if len(t.Stores) > 0 {
			targets = strings.Join(t.Stores, ", ")
		}
		fmt.Fprintf(&b, "\n  %s: every %dh, %s, %s -> %s", t.ID, t.IntervalHours, state, targets, t.Conversation)
	}
	return b.String()
}

// unwrapJoined flattens an errors.Join tree one level deep.
func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
