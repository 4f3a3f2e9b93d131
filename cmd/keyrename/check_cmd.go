package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/keyrename/internal/harness"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/pslog"
)

func newCheckCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Model-check the rename protocol against an unreliable network",
		Long: `Runs the protocol in-process against a simulated network that loses,
duplicates and reorders messages while the coordinator crashes and recovers.
Every reached state is checked for safety; liveness is checked by settling
the system fairly. "random" performs seeded random walks, "explore" walks
every interleaving up to --depth.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, err := loadSettings(cmd, "check")
			if err != nil {
				return err
			}
			cfg, err := harnessConfig(s)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(s.logger(baseLogger, "check"), "cli.check")
			mode := strings.ToLower(s.String("mode"))
			started := time.Now()
			report, err := runCheck(cmd.Context(), mode, cfg, s)
			if err != nil {
				return err
			}
			logger.Info("check.complete",
				"mode", mode,
				"stores", cfg.Stores,
				"fence_mode", cfg.FenceMode.String(),
				"duration_ms", time.Since(started).Milliseconds(),
			)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s runs, %s steps, %s distinct states, %d violations\n",
				mode,
				humanize.Comma(int64(report.Runs)),
				humanize.Comma(int64(report.Steps)),
				humanize.Comma(int64(report.States)),
				len(report.Violations),
			)
			if len(report.Violations) == 0 {
				return nil
			}
			for i, v := range report.Violations {
				if i == s.Int("show") {
					fmt.Fprintf(out, "... %d more\n", len(report.Violations)-i)
					break
				}
				fmt.Fprintf(out, "violation %d: %v\n", i+1, v)
			}
			return fmt.Errorf("check: %d violations", len(report.Violations))
		},
	}
	flags := cmd.Flags()
	flags.String("mode", "random", "exploration mode (random or explore)")
	flags.Int("stores", 2, "number of replicas")
	flags.String("fence-mode", replica.FenceEpochStage.String(), "replica stale request rule (epoch-stage or txn-only)")
	flags.StringSlice("contended", nil, "store ids whose target name is already taken")
	flags.Int("crashes", 1, "maximum coordinator crashes per path")
	flags.Int("duplicates", 1, "maximum duplicated deliveries per path")
	flags.Int("losses", 1, "maximum lost messages per path")
	flags.Int("retransmits", 1, "maximum retransmission rounds per path")
	flags.Int("updates", 1, "maximum external value updates per path")
	flags.Uint64("seed", 1, "random walk seed")
	flags.Int("runs", 200, "random walks")
	flags.Int("max-steps", 60, "actions per random walk")
	flags.Int("depth", 12, "exhaustive exploration depth")
	flags.Int("settle-steps", harness.DefaultSettleSteps, "bound of each liveness settle run")
	flags.Bool("skip-liveness", false, "skip the liveness settle run in every explored state")
	flags.Bool("stop-on-violation", true, "stop exhaustive exploration at the first violation")
	flags.Int("show", 3, "violations printed in full")
	return cmd
}

func harnessConfig(s *settings) (harness.Config, error) {
	mode, err := replica.ParseFenceMode(s.String("fence-mode"))
	if err != nil {
		return harness.Config{}, err
	}
	stores := s.Int("stores")
	if stores <= 0 {
		return harness.Config{}, fmt.Errorf("check: --stores must be positive")
	}
	var contended []protocol.StoreID
	for _, raw := range s.Strings("contended") {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return harness.Config{}, fmt.Errorf("check: contended store %q: %w", raw, err)
		}
		if id == 0 || id > uint64(stores) {
			return harness.Config{}, fmt.Errorf("check: contended store %d out of range", id)
		}
		contended = append(contended, protocol.StoreID(id))
	}
	return harness.Config{
		Stores:         stores,
		Contended:      contended,
		FenceMode:      mode,
		MaxCrashes:     s.Int("crashes"),
		MaxDuplicates:  s.Int("duplicates"),
		MaxLosses:      s.Int("losses"),
		MaxRetransmits: s.Int("retransmits"),
		MaxUpdates:     s.Int("updates"),
	}, nil
}

func runCheck(ctx context.Context, mode string, cfg harness.Config, s *settings) (harness.Report, error) {
	switch mode {
	case "random":
		return harness.Random(ctx, cfg, harness.RandomOptions{
			Seed:        s.Uint64("seed"),
			Runs:        s.Int("runs"),
			MaxSteps:    s.Int("max-steps"),
			SettleSteps: s.Int("settle-steps"),
		})
	case "explore":
		return harness.Explore(ctx, cfg, harness.ExploreOptions{
			MaxDepth:        s.Int("depth"),
			SettleSteps:     s.Int("settle-steps"),
			SkipLiveness:    s.Bool("skip-liveness"),
			StopOnViolation: s.Bool("stop-on-violation"),
		})
	default:
		return harness.Report{}, fmt.Errorf("check: unknown mode %q (random or explore)", mode)
	}
}
