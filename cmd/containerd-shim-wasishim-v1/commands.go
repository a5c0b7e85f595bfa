package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tomyedwab/wasishim/exitstatus"
	"github.com/tomyedwab/wasishim/instance"
	"github.com/tomyedwab/wasishim/journal"
)

func newRunCommand(opts *options) *cobra.Command {
	var (
		bundle  string
		stdin   string
		stdout  string
		stderr  string
		timeout time.Duration
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "run [id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Create, start and wait for an instance of a bundle",
		Long: `Run creates an instance for the bundle, starts it and waits for it to exit.
The process exits with the status of the instance. When --timeout expires
or the command is interrupted the instance is killed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.NewString()
			if len(args) == 1 {
				id = args[0]
			}
			logger := slog.Default().With("command", "run", "id", id)

			j, err := opts.openJournal()
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
			}

			cfg := opts.instanceConfig(bundle, j)
			cfg.Stdin, cfg.Stdout, cfg.Stderr = stdin, stdout, stderr
			inst, err := instance.New(id, cfg)
			if err != nil {
				return err
			}

			done := make(chan exitstatus.Status, 1)
			if err := inst.Wait(exitstatus.NewWait(done)); err != nil {
				return err
			}
			pid, err := inst.Start()
			if err != nil {
				return err
			}
			logger.Info("instance running", "pid", pid)

			var expired <-chan time.Time
			if timeout > 0 {
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				expired = timer.C
			}

			var status exitstatus.Status
			select {
			case status = <-done:
			case <-expired:
				logger.Warn("timeout expired, killing instance", "timeout", timeout)
				status = killAndWait(inst, unix.SIGKILL, done, logger)
			case <-cmd.Context().Done():
				logger.Warn("interrupted, killing instance")
				status = killAndWait(inst, unix.SIGKILL, done, logger)
			}
			logger.Info("instance exited", "code", status.Code, "exited_at", status.ExitedAt)

			if !keep {
				if _, err := inst.Delete(); err != nil {
					logger.Warn("failed to delete instance", "error", err)
				}
			}
			if status.Code != 0 {
				return &exitCodeError{code: int(status.Code)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bundle, "bundle", ".", "OCI bundle directory")
	cmd.Flags().StringVar(&stdin, "stdin", "", "file or fifo used as stdin (inherited when empty)")
	cmd.Flags().StringVar(&stdout, "stdout", "", "file or fifo used as stdout (inherited when empty)")
	cmd.Flags().StringVar(&stderr, "stderr", "", "file or fifo used as stderr (inherited when empty)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "kill the instance after this long (0 waits forever)")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the container state after exit")

	return cmd
}

func killAndWait(inst *instance.Instance, sig unix.Signal, done <-chan exitstatus.Status, logger *slog.Logger) exitstatus.Status {
	if err := inst.Kill(uint32(sig)); err != nil && !errors.Is(err, instance.ErrProcessExited) {
		logger.Error("failed to kill instance", "error", err)
	}
	return <-done
}

func newDeleteCommand(opts *options) *cobra.Command {
	var bundle string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Remove the persisted state of an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := opts.openJournal()
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
			}

			inst, err := instance.New(args[0], opts.instanceConfig(bundle, j))
			if err != nil {
				return err
			}
			outcome, err := inst.Delete()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome)
			return nil
		},
	}

	cmd.Flags().StringVar(&bundle, "bundle", ".", "OCI bundle directory")
	return cmd
}

func newRootDirCommand(opts *options) *cobra.Command {
	var bundle string

	cmd := &cobra.Command{
		Use:   "root-dir",
		Args:  cobra.NoArgs,
		Short: "Print the state directory used for a bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := instance.ResolveRootDir(bundle, opts.namespace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&bundle, "bundle", ".", "OCI bundle directory")
	return cmd
}

func newEventsCommand(opts *options) *cobra.Command {
	var (
		limit     int
		prune     time.Duration
		eventType string
	)

	cmd := &cobra.Command{
		Use:   "events [id]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Show journaled lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.journalPath == "" {
				return fmt.Errorf("no journal configured (use --journal or WASISHIM_JOURNAL)")
			}
			var only journal.EventType
			if eventType != "" {
				var err error
				if only, err = parseEventType(eventType); err != nil {
					return err
				}
			}
			j, err := opts.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			if prune > 0 {
				n, err := j.DeleteOldEvents(prune)
				if err != nil {
					return fmt.Errorf("failed to prune events: %w", err)
				}
				slog.Info("pruned journal", "deleted", n, "older_than", prune)
			}

			var events []journal.Event
			switch {
			case len(args) == 1:
				events, err = j.EventsForInstance(args[0], limit)
				if only != "" {
					events = filterEvents(events, only)
				}
			case only != "":
				events, err = j.EventsByType(only, limit)
			default:
				events, err = j.RecentEvents(limit)
			}
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events recorded")
				return nil
			}
			return renderEvents(cmd, events)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events to show")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete events older than this before listing")
	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type (created, started, killed, exited, deleted)")
	return cmd
}

func parseEventType(value string) (journal.EventType, error) {
	switch t := journal.EventType(strings.ToLower(value)); t {
	case journal.EventCreated, journal.EventStarted, journal.EventKilled, journal.EventExited, journal.EventDeleted:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type %q", value)
	}
}

func filterEvents(events []journal.Event, eventType journal.EventType) []journal.Event {
	var kept []journal.Event
	for _, e := range events {
		if e.EventType == string(eventType) {
			kept = append(kept, e)
		}
	}
	return kept
}

func renderEvents(cmd *cobra.Command, events []journal.Event) error {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Time", "Instance", "Event", "PID", "Code", "Signal", "Detail")
	for _, e := range events {
		table.Append(
			e.Time().Local().Format(time.RFC3339),
			e.InstanceID,
			e.EventType,
			optional(e.Pid),
			optional(e.ExitCode),
			optional(e.Signal),
			e.Detail,
		)
	}
	return table.Render()
}

func optional[T int | int64](v *T) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(int64(*v), 10)
}
