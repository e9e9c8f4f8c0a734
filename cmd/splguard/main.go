package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/campaign"
	"github.com/splshield/splguard/gatekeeper/ratelimit"
	"github.com/splshield/splguard/gatekeeper/store"
	"github.com/splshield/splguard/gatekeeper/strikes"
	"github.com/splshield/splguard/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "splguard",
		Usage:   "admission control and campaign reconciliation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "durable store: sqlite://path or postgres://...",
			Value:   "sqlite://data/splguard/splguard.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"SPLGUARD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			EnvVars: []string{"SPLGUARD_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "campaign-name",
			Usage:   "name of the reconciled campaign record",
			Value:   campaign.DefaultName,
			EnvVars: []string{"SPLGUARD_CAMPAIGN_NAME"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(os.Stdout, cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		seedCmd,
		statusCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "cache: redis://... URL, 'memory://' for in-process, or empty to disable",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "rate-limit",
			Usage:   "per action class limit, as class=window:max (eg message=60s:5)",
			Value:   cli.NewStringSlice("message=60s:20", "command=60s:5", "join=10m:3"),
			EnvVars: []string{"SPLGUARD_RATE_LIMITS"},
		},
		&cli.IntFlag{
			Name:    "probation-threshold",
			Usage:   "strike count at which probation starts",
			Value:   strikes.DefaultPolicy().ProbationThreshold,
			EnvVars: []string{"SPLGUARD_PROBATION_THRESHOLD"},
		},
		&cli.IntFlag{
			Name:    "ban-threshold",
			Usage:   "strike count at which infractions are reported as bans (0 disables)",
			Value:   strikes.DefaultPolicy().BanThreshold,
			EnvVars: []string{"SPLGUARD_BAN_THRESHOLD"},
		},
		&cli.DurationFlag{
			Name:    "short-probation",
			Usage:   "probation applied when the threshold is reached",
			Value:   strikes.DefaultPolicy().ShortProbation,
			EnvVars: []string{"SPLGUARD_SHORT_PROBATION"},
		},
		&cli.DurationFlag{
			Name:    "long-probation",
			Usage:   "probation applied past the threshold, doubling per extra strike",
			Value:   strikes.DefaultPolicy().LongProbation,
			EnvVars: []string{"SPLGUARD_LONG_PROBATION"},
		},
		&cli.DurationFlag{
			Name:    "max-probation",
			Value:   strikes.DefaultPolicy().MaxProbation,
			EnvVars: []string{"SPLGUARD_MAX_PROBATION"},
		},
		&cli.DurationFlag{
			Name:    "decay-horizon",
			Usage:   "quiet period after which strikes start over",
			Value:   strikes.DefaultPolicy().DecayHorizon,
			EnvVars: []string{"SPLGUARD_DECAY_HORIZON"},
		},
		&cli.Int64SliceFlag{
			Name:    "exempt-user-ids",
			Usage:   "user IDs (owner, admins) which bypass admission checks",
			EnvVars: []string{"SPLGUARD_EXEMPT_USER_IDS"},
		},
		&cli.StringFlag{
			Name:    "campaign-url",
			Usage:   "external campaign JSON endpoint; reconciliation is disabled if empty",
			EnvVars: []string{"SPLGUARD_CAMPAIGN_URL", "PRESALE_API_URL"},
		},
		&cli.DurationFlag{
			Name:    "campaign-interval",
			Value:   60 * time.Second,
			EnvVars: []string{"SPLGUARD_CAMPAIGN_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "campaign-timeout",
			Value:   10 * time.Second,
			EnvVars: []string{"SPLGUARD_CAMPAIGN_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "purge-interval",
			Usage:   "how often expired rate windows are deleted",
			Value:   10 * time.Minute,
			EnvVars: []string{"SPLGUARD_PURGE_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the ops HTTP API",
			Value:   ":3990",
			EnvVars: []string{"SPLGUARD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3991",
			EnvVars: []string{"SPLGUARD_METRICS_LISTEN"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := slog.Default()

		shutdownTracing, err := setupTracing(ctx, "splguard")
		if err != nil {
			return err
		}
		defer shutdownTracing()

		policies, err := ratelimit.ParsePolicies(cctx.StringSlice("rate-limit"))
		if err != nil {
			return err
		}

		srv, err := NewServer(Config{
			DatabaseURL:      cctx.String("database-url"),
			MaxDBConnections: cctx.Int("max-db-connections"),
			RedisURL:         cctx.String("redis-url"),
			RateLimits:       policies,
			StrikePolicy: strikes.Policy{
				ProbationThreshold: cctx.Int("probation-threshold"),
				BanThreshold:       cctx.Int("ban-threshold"),
				ShortProbation:     cctx.Duration("short-probation"),
				LongProbation:      cctx.Duration("long-probation"),
				MaxProbation:       cctx.Duration("max-probation"),
				DecayHorizon:       cctx.Duration("decay-horizon"),
			},
			ExemptUserIDs:    cctx.Int64Slice("exempt-user-ids"),
			CampaignName:     cctx.String("campaign-name"),
			CampaignURL:      cctx.String("campaign-url"),
			CampaignInterval: cctx.Duration("campaign-interval"),
			CampaignTimeout:  cctx.Duration("campaign-timeout"),
			PurgeInterval:    cctx.Duration("purge-interval"),
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		defer srv.Close()

		if err := srv.Run(ctx, cctx.String("bind"), cctx.String("metrics-listen")); err != nil {
			return fmt.Errorf("failed to run splguard service: %w", err)
		}
		return nil
	},
}

var seedCmd = &cli.Command{
	Name:  "seed",
	Usage: "write the initial campaign record from a JSON file, if none exists yet",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Usage:    "path to campaign JSON (same shape as the external endpoint)",
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		data, err := os.ReadFile(cctx.String("file"))
		if err != nil {
			return err
		}
		payload, err := campaign.DecodePayload(data)
		if err != nil {
			return err
		}

		st, err := store.Open(cctx.String("database-url"), 1, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()

		mon := campaign.NewMonitor(campaign.MonitorConfig{Name: cctx.String("campaign-name")}, nil, st, slog.Default())
		created, err := mon.Seed(ctx, payload)
		if err != nil {
			return err
		}
		if created {
			fmt.Println("campaign record created")
		} else {
			fmt.Println("campaign record already exists, left unchanged")
		}
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "print the strike and probation record for a subject",
	ArgsUsage: "<chat:user>",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected one subject argument, as chat:user")
		}
		subject, err := gatekeeper.ParseSubject(cctx.Args().First())
		if err != nil {
			return err
		}

		st, err := store.Open(cctx.String("database-url"), 1, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.GetInfraction(ctx, subject)
		if err != nil {
			return err
		}
		out := map[string]any{
			"subject":         subject.Key(),
			"username":        rec.Username,
			"strikes":         rec.StrikeCount,
			"probated":        rec.ProbationUntil.After(gatekeeper.Now()),
			"probation_until": rec.ProbationUntil.String(),
			"last_infraction": rec.LastInfractionAt.String(),
			"joined":          rec.JoinedAt.String(),
			"banned_at":       rec.BannedAt.String(),
			"history":         rec.History,
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}
