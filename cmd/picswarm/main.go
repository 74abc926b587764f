// Command picswarm runs particle swarm simulations and inspects their
// checkpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/notargets/PICSwarm/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "picswarm",
	Short: "Distributed particle-in-cell swarm driver",
	Long: `picswarm advects a particle swarm through a prescribed flow over a
decomposed mesh, migrating particles between ranks as they move.

Ranks run either as goroutines of one process (--ranks) or as one process
per rank connected over TCP (--rank with --peers).`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(newRunCmd(), newInspectCmd())
}

// initLogger builds the process logger, forcing debug level under --verbose
func initLogger(lc logging.Config) error {
	if verbose {
		lc.Level = "debug"
	}
	var err error
	if logger, err = logging.New(lc); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
