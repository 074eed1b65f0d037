package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neodock/neodock/internal/app"
	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/events"
)

func newCleanupCmd() *cobra.Command {
	var keepDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old test instances and orphaned test volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				if !cmd.Flags().Changed("keep-days") {
					keepDays = a.Config.Cleanup.KeepDays
				}
				report, err := a.Orchestrator.Cleanup(cmd.Context(), keepDays)
				out := cmd.OutOrStdout()
				if report != nil {
					printf(out, successStyle, "Removed %d containers, %d volumes, %d port reservations",
						len(report.Containers), len(report.Volumes), report.PortsReleased)
					for _, name := range report.Containers {
						printf(out, mutedStyle, "  container %s", name)
					}
					for _, name := range report.Volumes {
						printf(out, mutedStyle, "  volume    %s", name)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&keepDays, "keep-days", 7, "keep test instances younger than this many days")
	return cmd
}

func newPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect the port reservation table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				allocs, err := a.Allocator.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(allocs) == 0 {
					printf(cmd.OutOrStdout(), mutedStyle, "No port reservations")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"INSTANCE", "ENV", "HTTP", "BOLT", "ALLOCATED"},
					portRows(allocs),
				))
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Drop reservations whose container no longer exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				removed, err := a.Allocator.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), successStyle, "Removed %d stale reservations", removed)
				return nil
			})
		},
	})
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle events published by other neodock processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if cfg.Events.NATSURL == "" {
				return errors.New("NATS_URL is not set")
			}
			out := cmd.OutOrStdout()
			return events.Watch(cmd.Context(), &cfg.Events, newLogger(), func(e events.Event) {
				fmt.Fprintln(out, formatEvent(e))
			})
		},
	}
}

func formatEvent(e events.Event) string {
	parts := []string{
		mutedStyle.Render(e.Time.Local().Format("15:04:05")),
		headerStyle.Render(string(e.Type)),
		e.Instance,
	}
	if e.ContainerID != "" {
		parts = append(parts, mutedStyle.Render(shortID(e.ContainerID)))
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+e.Detail[k])
	}
	return strings.Join(parts, " ")
}
