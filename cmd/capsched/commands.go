package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"capsched/internal/config"
	"capsched/internal/filter"
	"capsched/internal/ics"
	appLog "capsched/internal/log"
	"capsched/internal/model"
)

func newCalendarCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "calendar AGENT",
		Short: "Print the iCalendar of a capture agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			text, err := a.svc.GetCalendarForCaptureAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}

func newCapturingCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "capturing",
		Short: "List events that are recording right now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.svc.GetCapturingEvents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func newUpcomingCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upcoming",
		Short: "List events that have not started yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.svc.GetUpcomingEvents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func newEventsCmd(flags *rootFlags) *cobra.Command {
	var filterArg string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events matching a filter",
		Long: "Print the stored events matching a JSON filter, for example " +
			`--filter '{"device":"room1","start":"2024-03-01T00:00:00Z"}'. ` +
			"\"-\" reads the filter from stdin; no filter lists every event.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = strings.NewReader(filterArg)
			if filterArg == "-" {
				in = cmd.InOrStdin()
			}
			f, err := filter.Decode(in)
			if err != nil {
				return err
			}

			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.svc.GetEvents(cmd.Context(), f)
			if err != nil {
				return err
			}
			model.SortByStart(events)
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&filterArg, "filter", "", "JSON filter, or \"-\" for stdin")
	return cmd
}

func newImportCmd(flags *rootFlags) *cobra.Command {
	var (
		device       string
		horizon      time.Duration
		dryRun       bool
		skipExisting bool
		force        bool
		cacheDir     string
	)

	cmd := &cobra.Command{
		Use:   "import FILE.ics|URL",
		Short: "Import events from an iCalendar file or feed",
		Long: "Read VEVENTs from an iCalendar file (\"-\" for stdin) or an http(s) feed. Events with an RRULE become " +
			"recurring events and are expanded; events that would conflict are still imported and reported. " +
			"A feed that has not changed since its last import is skipped unless --force is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var (
				in      io.Reader = cmd.InOrStdin()
				fetcher *ics.Fetcher
				feed    ics.FeedResult
			)
			switch src := args[0]; {
			case ics.IsFeedURL(src):
				if cacheDir == "" {
					cacheDir = conf.Feeds.CacheDir
				}
				fetcher = ics.NewFetcher(cacheDir, conf.Feeds.Timeout)
				feed, err = fetcher.Fetch(ctx, src)
				if err != nil {
					return err
				}
				if feed.NotModified && !force {
					_, _ = fmt.Fprintln(out, "feed not modified since last import")
					return nil
				}
				in = bytes.NewReader(feed.Body)
			case src != "-":
				f, err := os.Open(src)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			res, err := ics.Import(in, ics.ImportOptions{Device: device, Horizon: horizon})
			if err != nil {
				return err
			}
			if dryRun {
				_, _ = fmt.Fprintf(out, "would import %d events and %d recurring events (%d skipped)\n",
					len(res.Events), len(res.RecurringEvents), res.Skipped)
				return nil
			}

			a, err := openApp(ctx, conf)
			if err != nil {
				return err
			}
			defer a.Close()

			imported, conflicts, existing := 0, 0, 0
			for _, ev := range res.Events {
				if skipExisting {
					if _, ok := a.svc.GetEvent(ctx, ev.ID); ok {
						existing++
						continue
					}
				}
				if found, err := a.svc.FindConflictingEvents(ctx, ev); err == nil {
					conflicts += len(found)
				}
				stored, err := a.svc.AddEvent(ctx, ev)
				if err != nil {
					appLog.Error("import: event not stored", err, "uid", ev.ID)
					continue
				}
				if stored.ID != ev.ID {
					_, _ = fmt.Fprintf(out, "note: UID %s already stored, imported as %s\n", ev.ID, stored.ID)
				}
				imported++
			}
			for _, re := range res.RecurringEvents {
				if skipExisting {
					if _, ok := a.svc.GetRecurringEvent(ctx, re.ID); ok {
						existing++
						continue
					}
				}
				if found, err := a.svc.FindConflictingRecurringEvents(ctx, re); err == nil {
					conflicts += len(found)
				}
				stored, err := a.svc.AddRecurringEvent(ctx, re)
				if err != nil {
					appLog.Error("import: recurring event not stored", err, "uid", re.ID)
					continue
				}
				if stored.ID != re.ID {
					_, _ = fmt.Fprintf(out, "note: UID %s already stored, imported as %s\n", re.ID, stored.ID)
				}
				imported += len(stored.Events)
			}

			if fetcher != nil {
				if err := fetcher.Commit(feed); err != nil {
					appLog.Warn("feed cache not updated", "err", err.Error())
				}
			}
			_, _ = fmt.Fprintf(out, "imported %d events (%d skipped, %d already stored, %d conflicts)\n",
				imported, res.Skipped, existing, conflicts)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "Capture device for events without X-CAPSCHED-DEVICE")
	cmd.Flags().DurationVar(&horizon, "horizon", 365*24*time.Hour, "Expansion horizon for open-ended recurrences")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Parse only; do not store anything")
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "Skip VEVENTs whose UID is already stored instead of storing a copy")
	cmd.Flags().BoolVar(&force, "force", false, "Import a feed even if it has not changed")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Feed cache directory (overrides feeds.cache_dir)")
	return cmd
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config, with CAPSCHED_* overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := flags.configPath
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			conf := config.DefaultConfig()
			if err := conf.ApplyEnv(os.LookupEnv); err != nil {
				return err
			}
			if err := conf.Validate(); err != nil {
				return err
			}
			if err := conf.Save(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func printJSON(w io.Writer, events []model.Event) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
