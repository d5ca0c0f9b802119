package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRoutesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the routing table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			routes, err := a.client.Routes(ctx)
			if err != nil {
				return err
			}
			return a.print(routes, func() {
				for _, r := range routes {
					fmt.Printf("%-24s -> %-12s %s (p%d, %ds)\n",
						r.Pattern, r.Target, r.Endpoint, r.DefaultPriority, r.TimeoutSeconds)
				}
			})
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show target health and circuit state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			report, err := a.client.Health(ctx)
			if err != nil {
				return err
			}
			return a.print(report, func() {
				fmt.Printf("%s  %d/%d targets healthy, %d active, %d queued\n",
					colorStatus(report.Status), report.HealthyTargets, report.TotalTargets,
					report.ActiveTasks, report.QueueSize)
				for _, t := range report.Targets {
					line := fmt.Sprintf("  %-16s %-10s circuit=%s failures=%d",
						t.Name, colorStatus(t.Status), colorStatus(t.Circuit), t.FailureCount)
					if t.LastError != "" {
						line += "  " + failColor.Sprint(t.LastError)
					}
					fmt.Println(line)
				}
			})
		},
	}
}
