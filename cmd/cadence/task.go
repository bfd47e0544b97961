package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/domain"
)

func newTaskCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task definitions",
	}
	cmd.AddCommand(newTaskAddCmd(f), newTaskListCmd(f))
	return cmd
}

type taskAddFlags struct {
	name   string
	typ    string
	every  time.Duration
	args   string
	latest bool
}

func newTaskAddCmd(f *rootFlags) *cobra.Command {
	var tf taskAddFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Define a recurring task",
		Example: `  cadence task add --name nightly-backup --type shell --every 24h \
    --args '{"command":"/usr/local/bin/backup","args":["--full"]}'
  cadence task add --name news --type rss --every 15m --latest \
    --args '{"rss_url":"https://example.com/feed.xml"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tf.every < time.Second || tf.every%time.Second != 0 {
				return &domain.ConfigurationError{
					Setting: "every", Value: tf.every.String(),
					Err: errors.New("must be a whole number of seconds"),
				}
			}
			e, err := bootstrap(cmd.Context(), cmd, f)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.app.Registry.Validate(tf.typ); err != nil {
				return err
			}

			t, err := e.app.Store.CreateTask(cmd.Context(), domain.Task{
				Name:                tf.name,
				Type:                tf.typ,
				Args:                json.RawMessage(tf.args),
				RunFrequencySeconds: int(tf.every / time.Second),
				ScheduleLatest:      tf.latest,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&tf.name, "name", "", "task name")
	fl.StringVar(&tf.typ, "type", "", "task type (shell, http, rss)")
	fl.DurationVar(&tf.every, "every", 0, "run frequency, e.g. 1h")
	fl.StringVar(&tf.args, "args", "{}", "task arguments as JSON")
	fl.BoolVar(&tf.latest, "latest", false, "after downtime, run only the most recent missed interval")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("every")
	return cmd
}

func newTaskListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := bootstrap(cmd.Context(), cmd, f)
			if err != nil {
				return err
			}
			defer e.Close()

			tasks, err := e.app.Store.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tEVERY\tLATEST")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", t.ID, t.Name, t.Type, t.Frequency(), t.ScheduleLatest)
			}
			return w.Flush()
		},
	}
}
