package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	sdk "Orchestrator-Core/sdk/go/orchestrator"
)

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.settings.Timeout)
}

func newSubmitCmd(a *app) *cobra.Command {
	var (
		pattern    string
		payload    string
		priority   int
		timeout    int
		maxRetries int
		callback   string
		metadata   []string
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Example: `  orchestratorctl submit --pattern vision.detect --payload '{"image":"a.png"}'
  orchestratorctl submit --pattern graph.query --payload @query.json --priority 1 --wait`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			sub := sdk.Submission{
				Pattern:        pattern,
				Payload:        body,
				Priority:       priority,
				Metadata:       meta,
				TimeoutSeconds: timeout,
				CallbackURL:    callback,
			}
			if cmd.Flags().Changed("max-retries") {
				sub.MaxRetries = &maxRetries
			}

			ctx, cancel := a.context(cmd)
			defer cancel()
			accepted, err := a.client.Submit(ctx, sub)
			if err != nil {
				return err
			}
			if !wait {
				return a.print(accepted, func() {
					fmt.Printf("%s %s\n", accepted.TaskID, colorStatus(accepted.Status))
				})
			}

			waitCtx, waitCancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer waitCancel()
			t, err := a.client.Wait(waitCtx, accepted.TaskID, time.Second)
			if err != nil {
				return err
			}
			return a.print(t, func() { printTask(t) })
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "routing pattern")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload, or @file to read it from a file")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1 (highest) to 5; 0 uses the route default")
	cmd.Flags().IntVar(&timeout, "timeout-seconds", 0, "per-attempt timeout override")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "task-level retry limit")
	cmd.Flags().StringVar(&callback, "callback", "", "URL notified when the task finishes")
	cmd.Flags().StringSliceVar(&metadata, "meta", nil, "metadata as key=value, repeatable")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task finishes")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			t, err := a.client.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(t, func() { printTask(t) })
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			t, err := a.client.CancelTask(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(t, func() {
				fmt.Printf("%s %s\n", t.ID, colorStatus(t.Status))
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var q sdk.ListQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			page, err := a.client.ListTasks(ctx, q)
			if err != nil {
				return err
			}
			return a.print(page, func() {
				for _, t := range page.Tasks {
					fmt.Printf("%-36s  %-20s  %-10s  p%d  retries=%d  %s\n",
						t.ID, t.Pattern, colorStatus(t.Status), t.Priority, t.RetryCount,
						t.UpdatedAt.Local().Format(time.DateTime))
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&q.Statuses, "status", nil, "filter by status, repeatable")
	cmd.Flags().StringVar(&q.Target, "target", "", "filter by target")
	cmd.Flags().StringVar(&q.Pattern, "pattern", "", "filter by pattern")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "page offset")
	return cmd
}

func newAggregateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <task-id>...",
		Short: "Summarise results of several tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			agg, err := a.client.AggregateTasks(ctx, args)
			if err != nil {
				return err
			}
			return a.print(agg, func() {
				fmt.Printf("total=%d completed=%s failed=%s\n", agg.Total,
					okColor.Sprint(agg.Completed), failColor.Sprint(agg.Failed))
				for _, r := range agg.Results {
					fmt.Printf("  %s %s\n", r.TaskID, string(r.Result))
				}
				for _, e := range agg.Errors {
					fmt.Printf("  %s %s\n", e.TaskID, failColor.Sprint(e.Error))
				}
			})
		},
	}
}

func readPayload(raw string) (json.RawMessage, error) {
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		content, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = content
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
