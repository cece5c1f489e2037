package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sdkversion "github.com/cosmos/cosmos-sdk/version"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AbstractSDK/ans-scraper/reconciler/api"
	"github.com/AbstractSDK/ans-scraper/reconciler/config"
	"github.com/AbstractSDK/ans-scraper/reconciler/core"
	"github.com/AbstractSDK/ans-scraper/reconciler/cron"
	"github.com/AbstractSDK/ans-scraper/reconciler/source"
)

func InitRootCmd(rootCmd *cobra.Command, v *viper.Viper) {
	rootCmd.AddCommand(initCmd(v))
	rootCmd.AddCommand(startCmd(v))
	rootCmd.AddCommand(reconcileCmd(v))
	rootCmd.AddCommand(checkpointCmd(v))
	rootCmd.AddCommand(resolveDenomCmd(v))
	rootCmd.AddCommand(versionCmd())
}

func initCmd(v *viper.Viper) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to <home>/config/ansd_config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := v.GetString(flagHome)
			path := config.ConfigPath(home)
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("config already exists at %s (use --overwrite)", path)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing config file")
	return cmd
}

func startCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run reconciliation cycles on the configured interval and serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.log.Info().Strs("networks", a.cfg.NetworkIDs()).Msg("🚀 Starting ansd...")
			a.pool.Start(ctx)

			job := cron.NewCycleJob(a.reconciler, a.cfg.CycleInterval(), a.log)
			if err := job.Start(ctx); err != nil {
				return err
			}
			defer job.Stop()

			server := api.NewServer(a.reconciler, job, a.log, a.cfg.QueryServerPort)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()

			a.log.Info().Int("port", a.cfg.QueryServerPort).Msg("✅ Initialization complete. Entering main loop...")
			<-ctx.Done()
			a.log.Info().Msg("🛑 Shutting down ansd...")
			return nil
		},
	}
}

func reconcileCmd(v *viper.Viper) *cobra.Command {
	var (
		networks []string
		dryRun   bool
		force    bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := a.reconciler.RunCycle(ctx, core.RunOptions{
				Networks: networks,
				DryRun:   dryRun,
				Force:    force,
			})
			if report != nil {
				if perr := printReport(cmd, report, asJSON); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			for _, n := range report.Networks {
				if n.Status == core.StatusFailed || n.Status == core.StatusPartial {
					return errors.New("reconciliation incomplete")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&networks, "network", nil, "Networks to reconcile (default: all enabled)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and print ops without submitting")
	cmd.Flags().BoolVar(&force, "force", false, "Correct drift below the checkpoint even when correct_drift is off")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func printReport(cmd *cobra.Command, report *core.CycleReport, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	for _, n := range report.Networks {
		fmt.Fprintln(out, n.String())
		for _, op := range n.Ops {
			fmt.Fprintf(out, "  %s\n", op)
		}
		for _, f := range n.FailedBatches {
			fmt.Fprintf(out, "  failed %s\n", f)
		}
		for _, w := range n.Warnings {
			fmt.Fprintf(out, "  warning %s\n", w)
		}
	}
	return nil
}

func checkpointCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset per-network checkpoints",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the checkpoint and submission counts of every network",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v, false)
			if err != nil {
				return err
			}
			defer a.close()

			infos, err := a.reconciler.NetworkInfo()
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcheckpoint=%d\tsubmissions=%v\n",
					info.Network, info.Checkpoint, info.Submissions)
			}
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset <network> <revision>",
		Short: "Overwrite a network checkpoint (forces the next cycle to reconsider older revisions)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			revision, err := cast.ToUint64E(args[1])
			if err != nil {
				return fmt.Errorf("invalid revision %q: %w", args[1], err)
			}

			a, err := newApp(v, false)
			if err != nil {
				return err
			}
			defer a.close()

			if _, ok := a.cfg.Networks[args[0]]; !ok {
				return fmt.Errorf("unknown network %s", args[0])
			}
			ledger, err := a.dbm.GetStore(args[0])
			if err != nil {
				return err
			}
			if err := ledger.ResetCheckpoint(revision); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s checkpoint set to %d\n", args[0], revision)
			return nil
		},
	}

	cmd.AddCommand(show, reset)
	return cmd
}

func resolveDenomCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-denom <network> <denom>",
		Short: "Resolve a native or IBC denom to its registry asset name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.FeedTimeout()*2)
			defer cancel()

			conn, err := a.pool.Acquire(ctx, args[0])
			if err != nil {
				return err
			}
			defer conn.Release()

			q, ok := conn.Client.(source.DenomQuerier)
			if !ok {
				return fmt.Errorf("client for %s cannot query denoms", args[0])
			}

			resolver := source.NewResolver(a.feed, a.cfg.NetworkIDs(), a.log)
			name, err := resolver.ResolveNativeAsset(ctx, q, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ansd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Name:       %s\n", sdkversion.Name)
			fmt.Printf("App Name:   %s\n", sdkversion.AppName)
			fmt.Printf("Version:    %s\n", sdkversion.Version)
			fmt.Printf("Commit:     %s\n", sdkversion.Commit)
			fmt.Printf("Build Tags: %s\n", sdkversion.BuildTags)
		},
	}
}
