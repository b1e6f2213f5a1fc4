package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"capsched/internal/config"
	appLog "capsched/internal/log"
	"capsched/internal/scheduler"
	"capsched/internal/web"
)

const version = "0.1.0"

// rootFlags holds persistent CLI flag values.
type rootFlags struct {
	configPath string
	envFile    string
	listen     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "capsched",
		Short:         "Capture event scheduler",
		Long:          "Schedules recurring and one-off capture events, detects device conflicts and serves per-agent calendars.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/capsched/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file with CAPSCHED_* overrides")
	root.PersistentFlags().StringVar(&flags.listen, "listen", "", "Ops HTTP listen address (overrides config if set)")

	root.AddCommand(
		newRunCmd(flags),
		newCalendarCmd(flags),
		newCapturingCmd(flags),
		newUpcomingCmd(flags),
		newEventsCmd(flags),
		newImportCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// loadConfig reads the dotenv file (if any), the YAML config and the
// environment overrides, then configures logging.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return nil, err
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	appLog.Configure(appLog.Config{Level: conf.LogLevel})
	return conf, nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long:  "Open the event store, prewarm configured agent calendars on schedule and serve /health and /metrics until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			appLog.Info("capsched starting", "version", version)
			appLog.Info("effective config",
				"listen", conf.Listen,
				"timezone", conf.Timezone,
				"store", conf.Store.Driver,
				"cache", conf.Cache.Backend,
				"prewarm_cron", conf.Prewarm.Cron,
				"prewarm_agents", len(conf.Prewarm.Agents),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(conf.Prewarm.Agents) > 0 {
				loc, _ := conf.Location()
				p, err := scheduler.NewPrewarmer(a.svc, conf.Prewarm.Cron, conf.Prewarm.Agents, loc)
				if err != nil {
					return err
				}
				p.RunOnce(ctx)
				p.Start()
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := p.Stop(stopCtx); err != nil {
						appLog.Warn("prewarm did not stop cleanly", "err", err.Error())
					}
				}()
			}

			g, gctx := errgroup.WithContext(ctx)
			if conf.Listen != "" {
				srv := web.NewServer(conf, a.svc)
				g.Go(func() error { return srv.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				appLog.Info("shutting down")
				return nil
			})

			err = g.Wait()
			appLog.Info("capsched exiting")
			return err
		},
	}
}
