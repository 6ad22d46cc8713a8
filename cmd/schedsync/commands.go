package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ansplan/schedsync/internal/config"
	"github.com/ansplan/schedsync/internal/jobs"
	"github.com/ansplan/schedsync/internal/logger"
	"github.com/ansplan/schedsync/internal/semester"
	"github.com/ansplan/schedsync/syncservice"
)

// appRunner builds the service components for one command and closes them
// afterwards. Tests replace it.
var appRunner = func(ctx context.Context, logLevel string, fn func(*syncservice.App) error) error {
	log := logger.New("schedsync-cli")
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.SetLevel(cfg.LogLevel)

	app, err := syncservice.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(app)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "schedsync",
		Short:         "Synchronize university class schedules into the document store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override SCHEDSYNC_LOG_LEVEL")

	with := func(cmd *cobra.Command, fn func(*syncservice.App) error) error {
		return appRunner(cmd.Context(), logLevel, fn)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler and the HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return syncservice.Run()
			},
		},
		newSyncCmd(out, with),
		newGroupsCmd(out, with),
		newSessionCmd(with),
		newScheduleCmd(out, with),
		newNotifyCmd(out, with),
	)
	return root
}

type withApp func(cmd *cobra.Command, fn func(*syncservice.App) error) error

func newSyncCmd(out io.Writer, with withApp) *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Run schedule synchronization jobs"}

	sync.AddCommand(&cobra.Command{
		Use:   "week",
		Short: "Sync the current week of every group of the current semester",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(app *syncservice.App) error {
				var sum jobs.Summary
				err := app.Runner.Run(cmd.Context(), jobs.JobCurrentWeek, func(ctx context.Context) error {
					var err error
					sum, err = app.Runner.SyncCurrentWeek(ctx)
					return err
				})
				_ = printJSON(out, sum)
				return err
			})
		},
	})

	var (
		weeks int
		from  string
	)
	group := &cobra.Command{
		Use:   "group <groupId>",
		Short: "Scan the weeks of one group starting at --from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			if weeks <= 0 {
				return fmt.Errorf("--weeks must be positive")
			}
			return with(cmd, func(app *syncservice.App) error {
				start, err := parseDate(from, app.Config.Location())
				if err != nil {
					return err
				}
				var sum jobs.Summary
				err = app.Runner.Run(cmd.Context(), jobs.JobSyncGroup, func(ctx context.Context) error {
					var err error
					sum, err = app.Runner.SyncGroup(ctx, gid, start, weeks)
					return err
				})
				_ = printJSON(out, sum)
				return err
			})
		},
	}
	group.Flags().IntVarP(&weeks, "weeks", "w", 25, "Number of weeks to scan")
	group.Flags().StringVar(&from, "from", "", "First day to scan (YYYY-MM-DD), defaults to today")
	sync.AddCommand(group)

	var full bool
	sem := &cobra.Command{
		Use:   "semester",
		Short: "Queue a sync of every group of the current semester and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := jobs.JobFastSemester
			if full {
				name = jobs.JobFullSemester
			}
			// Close drains the dispatcher, so the command returns once every group ran.
			return with(cmd, func(app *syncservice.App) error {
				return app.RunJob(cmd.Context(), name)
			})
		},
	}
	sem.Flags().BoolVar(&full, "full", false, "Scan the whole semester instead of the look-ahead window")
	sync.AddCommand(sem)
	return sync
}

func newGroupsCmd(out io.Writer, with withApp) *cobra.Command {
	groups := &cobra.Command{Use: "groups", Short: "Dean group catalogue"}

	groups.AddCommand(&cobra.Command{
		Use:   "update",
		Short: "Refresh the group catalogue and the stored tree from the upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(app *syncservice.App) error {
				var sum jobs.GroupsSummary
				err := app.Runner.Run(cmd.Context(), jobs.JobGroups, func(ctx context.Context) error {
					var err error
					sum, err = app.Runner.UpdateGroups(ctx)
					return err
				})
				_ = printJSON(out, sum)
				return err
			})
		},
	})

	groups.AddCommand(&cobra.Command{
		Use:   "tree",
		Short: "Print the stored group tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(app *syncservice.App) error {
				tree, err := app.Schedule.Tree(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(out, tree)
			})
		},
	})

	groups.AddCommand(&cobra.Command{
		Use:   "details <groupId>...",
		Short: "Resolve group ids to names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseGroupIDs(args)
			if err != nil {
				return err
			}
			return with(cmd, func(app *syncservice.App) error {
				details, err := app.Schedule.GroupDetails(cmd.Context(), ids)
				if err != nil {
					return err
				}
				return printJSON(out, details)
			})
		},
	})
	return groups
}

func newSessionCmd(with withApp) *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Upstream session"}
	session.AddCommand(&cobra.Command{
		Use:   "renew",
		Short: "Ping the upstream session and log in again when it expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(app *syncservice.App) error {
				return app.RunJob(cmd.Context(), jobs.JobSession)
			})
		},
	})
	return session
}

func newNotifyCmd(out io.Writer, with withApp) *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Upcoming-class notifications"}

	var at string
	upcoming := &cobra.Command{
		Use:   "upcoming",
		Short: "Send the notifications due at --at (RFC 3339), defaults to now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at %q: %w", at, err)
				}
				now = t
			}
			return with(cmd, func(app *syncservice.App) error {
				var sum jobs.NotifySummary
				err := app.Runner.Run(cmd.Context(), jobs.JobNotify, func(ctx context.Context) error {
					var err error
					sum, err = app.Runner.SendUpcomingAt(ctx, now)
					return err
				})
				_ = printJSON(out, sum)
				return err
			})
		},
	}
	upcoming.Flags().StringVar(&at, "at", "", "Evaluate as of this instant")
	n.AddCommand(upcoming)

	n.AddCommand(&cobra.Command{
		Use:   "clear-observed",
		Short: "Reset the observed groups of every student",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(app *syncservice.App) error {
				return app.RunJob(cmd.Context(), jobs.JobClearObserved)
			})
		},
	})
	return n
}

func newScheduleCmd(out io.Writer, with withApp) *cobra.Command {
	sch := &cobra.Command{Use: "schedule", Short: "Read stored schedules"}

	sch.AddCommand(&cobra.Command{
		Use:   "day <groupId> <YYYY-MM-DD>",
		Short: "Print the classes of a group on one day",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			return with(cmd, func(app *syncservice.App) error {
				classes, err := app.Schedule.Day(cmd.Context(), gid, args[1])
				if err != nil {
					return err
				}
				return printJSON(out, classes)
			})
		},
	})

	sch.AddCommand(&cobra.Command{
		Use:   "week <groupId> <YYYY-MM-DD|weekId>",
		Short: "Print the classes of a group in the week containing a day",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			return with(cmd, func(app *syncservice.App) error {
				weekID := args[1]
				if strings.Contains(weekID, "-") {
					day, err := parseDate(weekID, app.Config.Location())
					if err != nil {
						return err
					}
					weekID = semester.WeekID(semester.WeekStart(day, app.Config.Location()))
				}
				classes, err := app.Schedule.Week(cmd.Context(), gid, weekID)
				if err != nil {
					return err
				}
				return printJSON(out, classes)
			})
		},
	})
	return sch
}

func parseGroupID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid group id %q", s)
	}
	return id, nil
}

func parseGroupIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part == "" {
				continue
			}
			id, err := parseGroupID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// parseDate parses YYYY-MM-DD in loc; empty means now.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Now().In(loc), nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
