package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neodock/neodock/internal/app"
	"github.com/neodock/neodock/internal/domain"
)

type startFlags struct {
	profile        string
	env            string
	password       string
	username       string
	prefix         string
	dataPath       string
	plugins        []string
	memory         string
	debug          bool
	image          string
	confirmDestroy bool
}

func newStartCmd() *cobra.Command {
	var f startFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start or reuse a Neo4j instance",
		Long: `Start returns the running instance for the environment when one exists and
creates it otherwise. Test instances are always new and isolated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.config(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				inst, err := a.Orchestrator.Start(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printf(out, successStyle, "%s is ready", inst.Name())
				fmt.Fprintf(out, "  id:      %s\n", inst.ContainerID())
				fmt.Fprintf(out, "  bolt:    %s\n", inst.URI())
				fmt.Fprintf(out, "  browser: %s\n", inst.HTTPURI())
				if v := inst.Volume(); v != "" {
					fmt.Fprintf(out, "  volume:  %s\n", v)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.profile, "profile", "f", "", "YAML file with the instance configuration")
	flags.StringVarP(&f.env, "env", "e", "development", "environment (development, test, production)")
	flags.StringVarP(&f.password, "password", "p", "", "database password (default $NEO4J_PASSWORD)")
	flags.StringVarP(&f.username, "username", "u", "", "database user")
	flags.StringVar(&f.prefix, "prefix", "", "container name prefix")
	flags.StringVar(&f.dataPath, "data-path", "", "host directory mounted at /data instead of a volume")
	flags.StringSliceVar(&f.plugins, "plugin", nil, "plugin to install, repeatable (e.g. apoc)")
	flags.StringVar(&f.memory, "memory", "", "heap and page cache size, e.g. 1G")
	flags.BoolVar(&f.debug, "debug", false, "enable debug logging inside Neo4j")
	flags.StringVar(&f.image, "image", "", "Neo4j image")
	flags.BoolVar(&f.confirmDestroy, "confirm-destroy", false, "allow a production instance to be recreated")
	return cmd
}

// config merges the profile, then explicitly set flags, then the password
// from the environment.
func (f *startFlags) config(cmd *cobra.Command) (domain.InstanceConfig, error) {
	var cfg domain.InstanceConfig
	if f.profile != "" {
		p, err := loadProfile(f.profile)
		if err != nil {
			return cfg, err
		}
		cfg = p
	}

	changed := cmd.Flags().Changed
	if changed("env") || cfg.Environment == "" {
		env, err := domain.ParseEnvironment(f.env)
		if err != nil {
			return cfg, err
		}
		cfg.Environment = env
	}
	if changed("password") {
		cfg.Password = f.password
	}
	if changed("username") {
		cfg.Username = f.username
	}
	if changed("prefix") {
		cfg.ContainerPrefix = f.prefix
	}
	if changed("data-path") {
		cfg.DataPath = f.dataPath
	}
	if changed("plugin") {
		cfg.Plugins = f.plugins
	}
	if changed("memory") {
		cfg.Memory = f.memory
	}
	if changed("debug") {
		cfg.Debug = f.debug
	}
	if changed("image") {
		cfg.Image = f.image
	}
	cfg.ConfirmDestroy = f.confirmDestroy

	if cfg.Password == "" {
		cfg.Password = os.Getenv("NEO4J_PASSWORD")
	}
	return cfg, nil
}

func newStopCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stop [container-id]",
		Short: "Stop an instance",
		Long: `Stop halts a development or production instance and keeps its data. A test
instance is removed together with its volume and ports.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				if all {
					if err := a.Orchestrator.StopAll(cmd.Context()); err != nil {
						return err
					}
					printf(cmd.OutOrStdout(), successStyle, "Stopped all instances")
					return nil
				}
				if err := a.Orchestrator.Stop(cmd.Context(), args[0]); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), successStyle, "Stopped %s", shortID(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every managed instance")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List managed instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				list, err := a.Orchestrator.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					printf(cmd.OutOrStdout(), mutedStyle, "No managed instances")
					return nil
				}
				records := make([]domain.ContainerRecord, 0, len(list))
				for _, inst := range list {
					records = append(records, inst.Record())
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "NAME", "ENV", "STATE", "BOLT", "CREATED"},
					instanceRows(records, time.Now()),
				))
				return nil
			})
		},
	}
}
