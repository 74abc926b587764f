package simulation

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/config"
	"github.com/notargets/PICSwarm/swarm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunLocal runs cfg.Run.Ranks ranks as goroutines of this process. The
// first failing rank cancels the others.
func RunLocal(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if d := cfg.RunTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	world := comm.NewLocalWorld(cfg.Run.Ranks)
	summaries := make([]Summary, len(world))
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range world {
		g.Go(func() error {
			defer c.Close()
			r, err := NewRank(gctx, cfg, c, log)
			if err != nil {
				return err
			}
			summaries[c.Rank()], err = r.Run(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if swarm.IsFatal(err) {
			log.Error("run aborted", zap.Error(err))
		}
		return nil, err
	}
	return summaries, nil
}

// RunTCP runs one rank of a world whose ranks listen on peers
func RunTCP(ctx context.Context, cfg *config.Config, rank int, peers []string, log *zap.Logger) (Summary, error) {
	if rank < 0 || rank >= len(peers) {
		return Summary{}, fmt.Errorf("rank %d out of range for %d peers", rank, len(peers))
	}
	ln, err := comm.ListenTCP(peers[rank])
	if err != nil {
		return Summary{}, err
	}
	return RunTCPListener(ctx, cfg, rank, ln, peers, log)
}

// RunTCPListener is RunTCP on an open listener, which it takes over
func RunTCPListener(ctx context.Context, cfg *config.Config, rank int, ln net.Listener, peers []string, log *zap.Logger) (sum Summary, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	if d := cfg.RunTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	c, err := comm.ConnectTCP(ctx, rank, ln, peers, log)
	if err != nil {
		ln.Close()
		return Summary{}, err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()

	r, err := NewRank(ctx, cfg, c, log)
	if err != nil {
		return Summary{}, err
	}
	return r.Run(ctx)
}
