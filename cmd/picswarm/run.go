package main

import (
	"fmt"
	"strings"

	"github.com/notargets/PICSwarm/config"
	"github.com/notargets/PICSwarm/simulation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	configPath string
	ranks      int
	rank       int
	peers      string
	steps      int
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{rank: -1}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Loads the run configuration (defaults, then --config, then the
PICSWARM_* environment), builds every rank's stack and advects the swarm.

Without --rank all ranks run in this process. With --rank this process is
that rank of a TCP world whose ranks listen on --peers, in rank order.`,
		Example: `  picswarm run --config run.yaml --ranks 4
  picswarm run --config run.yaml --rank 1 --peers host0:7000,host1:7000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML run configuration")
	f.IntVarP(&opts.ranks, "ranks", "n", 0, "in-process ranks, overrides run.ranks")
	f.IntVar(&opts.rank, "rank", -1, "this process's rank in a TCP world")
	f.StringVar(&opts.peers, "peers", "", "comma separated listen addresses of every rank")
	f.IntVar(&opts.steps, "steps", -1, "overrides run.steps")
	cmd.MarkFlagsRequiredTogether("rank", "peers")
	cmd.MarkFlagsMutuallyExclusive("ranks", "rank")
	return cmd
}

func runSimulation(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.ranks > 0 {
		cfg.Run.Ranks = opts.ranks
	}
	if opts.steps >= 0 {
		cfg.Run.Steps = opts.steps
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogger(cfg.Logging); err != nil {
		return err
	}
	ctx := cmd.Context()

	if opts.rank >= 0 {
		peers := strings.Split(opts.peers, ",")
		sum, err := simulation.RunTCP(ctx, cfg, opts.rank, peers, logger)
		if err != nil {
			return err
		}
		report(cmd, []simulation.Summary{sum})
		return nil
	}

	logger.Info("starting run",
		zap.Int("ranks", cfg.Run.Ranks),
		zap.Int("steps", cfg.Run.Steps),
		zap.String("mesh", cfg.Mesh.Kind),
		zap.String("layout", cfg.Layout.Kind))
	sums, err := simulation.RunLocal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	report(cmd, sums)
	return nil
}

func report(cmd *cobra.Command, sums []simulation.Summary) {
	out := cmd.OutOrStdout()
	for _, s := range sums {
		fmt.Fprintf(out, "rank %d: %d particles (global %d) after %d steps, %d sent, %d received, %d left\n",
			s.Rank, s.LocalCount, s.GlobalCount, s.Steps, s.Movement.Sent, s.Movement.Received, s.Movement.Left)
		for _, path := range s.Checkpoints {
			fmt.Fprintf(out, "  checkpoint %s\n", path)
		}
	}
}
