package gacmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gordian-engine/gactivate/cmd/gactivate/internal/gadebug"
	"github.com/gordian-engine/gactivate/gactivate"
	"github.com/gordian-engine/gactivate/gactivate/gactivatetest"
	"github.com/gordian-engine/gactivate/gnode"
	"github.com/gordian-engine/gactivate/internal/gchan"
	"github.com/spf13/cobra"
)

type simOptions struct {
	ConfigPath string
	Quorum     string

	Nodes    int
	Versions int
	Interval time.Duration

	FailRate float64
	MaxDelay time.Duration
	Seed     uint64

	DebugAddr string
}

type simResult struct {
	Committed, Aborted int

	HighestCommitted uint64
}

func newSimCmd(newLogger func() (*slog.Logger, error)) *cobra.Command {
	var opts simOptions

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Activate a sequence of versions across simulated content nodes",
		Long: `Run a coordinator against an in-process network of simulated content nodes,
activating versions 1 through --versions one after another.

Each simulated node fails a request with probability --fail-rate,
and otherwise acknowledges it after a random delay up to --max-delay.

Examples:
  # Ten versions over five nodes with 20% request failures
  gactivate sim --nodes 5 --versions 10 --fail-rate 0.2

  # Require every node, and expose round status over HTTP
  gactivate sim --quorum all --debug-addr 127.0.0.1:8080`,
		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger()
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}

			_, err = runSim(cmd.Context(), log, cmd.OutOrStdout(), opts)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ConfigPath, "config", "", "Path to YAML coordinator config")
	f.StringVar(&opts.Quorum, "quorum", "", "Quorum policy: majority, all, or a node count (overrides config)")
	f.IntVar(&opts.Nodes, "nodes", 5, "Number of simulated content nodes")
	f.IntVar(&opts.Versions, "versions", 10, "Number of versions to activate")
	f.DurationVar(&opts.Interval, "interval", 0, "Pause between versions")
	f.Float64Var(&opts.FailRate, "fail-rate", 0.2, "Probability that a simulated request fails")
	f.DurationVar(&opts.MaxDelay, "max-delay", 50*time.Millisecond, "Upper bound on simulated reply delay")
	f.Uint64Var(&opts.Seed, "seed", 1, "Seed for simulated node behavior")
	f.StringVar(&opts.DebugAddr, "debug-addr", "", "Address for the debug HTTP server (disabled if empty)")

	return cmd
}

// runSim activates opts.Versions versions in order
// and writes a one-line summary to out.
// With a debug address set, it then serves status until ctx is cancelled.
func runSim(ctx context.Context, log *slog.Logger, out io.Writer, opts simOptions) (simResult, error) {
	if opts.Nodes <= 0 {
		return simResult{}, fmt.Errorf("--nodes must be positive (got %d)", opts.Nodes)
	}
	if opts.FailRate < 0 || opts.FailRate > 1 {
		return simResult{}, fmt.Errorf("--fail-rate must be in [0, 1] (got %v)", opts.FailRate)
	}

	cfg, err := loadSimConfig(opts.ConfigPath)
	if err != nil {
		return simResult{}, err
	}
	if opts.Quorum != "" {
		cfg.Quorum = opts.Quorum
	}
	quorum, err := parseQuorum(cfg.Quorum)
	if err != nil {
		return simResult{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord, err := gactivate.NewCoordinator(ctx, log.With("sys", "coordinator"), cfg.CoordinatorConfig())
	if err != nil {
		return simResult{}, err
	}
	var srv *gadebug.HTTPServer
	defer func() {
		cancel()
		coord.Wait()
		if srv != nil {
			srv.Wait()
		}
	}()

	reg, err := newSimRegistry(opts)
	if err != nil {
		return simResult{}, err
	}
	log.Info("Simulated nodes ready", "nodes", reg.Len())

	if opts.DebugAddr != "" {
		ln, err := net.Listen("tcp", opts.DebugAddr)
		if err != nil {
			return simResult{}, fmt.Errorf("failed to listen for debug server: %w", err)
		}
		log.Info("Debug server listening", "addr", ln.Addr().String())

		srv = gadebug.NewHTTPServer(ctx, log.With("sys", "http"), gadebug.HTTPServerConfig{
			Listener: ln,
			Status:   coord,
		})
	}

	versions := make(chan uint64)
	go produceVersions(ctx, log, versions, opts.Versions, opts.Interval)

	var res simResult
	for range opts.Versions {
		v, ok := gchan.RecvC(ctx, log, versions, "receiving next version")
		if !ok {
			return res, context.Cause(ctx)
		}

		act, err := coord.Activate(v, reg.All(), quorum)
		if err != nil {
			return res, fmt.Errorf("failed to activate version %d: %w", v, err)
		}

		if _, ok := gchan.RecvC(ctx, log, act.Done(), "waiting for activation round"); !ok {
			return res, context.Cause(ctx)
		}

		o, _ := act.Outcome()
		if o.Committed() {
			res.Committed++
		} else {
			res.Aborted++
		}
	}

	res.HighestCommitted = coord.HighestCommittedVersion()
	printSimResult(out, res)

	if srv != nil {
		log.Info("Simulation finished; debug server runs until interrupted")
		<-ctx.Done()
	}

	return res, nil
}

// newSimRegistry builds opts.Nodes simulated nodes with unique generated names.
func newSimRegistry(opts simOptions) (*gnode.Registry, error) {
	network := gactivatetest.NewNetwork(clock.New())
	reg := gnode.NewRegistry()

	for i := range opts.Nodes {
		var id gnode.ID
		for {
			id = gnode.ID(petname.Generate(2, "-"))
			if _, exists := reg.Get(id); !exists {
				break
			}
		}

		b := gactivatetest.Flaky(opts.Seed+uint64(i), opts.FailRate, opts.MaxDelay)
		_, h := network.AddNode(id, b)
		if err := reg.Add(h); err != nil {
			return nil, fmt.Errorf("failed to register simulated node: %w", err)
		}
	}

	return reg, nil
}

// produceVersions sends versions 1 through n on ch,
// pausing for interval between each.
func produceVersions(ctx context.Context, log *slog.Logger, ch chan<- uint64, n int, interval time.Duration) {
	for v := uint64(1); v <= uint64(n); v++ {
		if v > 1 && interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		if !gchan.SendC(ctx, log, ch, v, "sending next version") {
			return
		}
	}
}

func printSimResult(w io.Writer, res simResult) {
	fmt.Fprintf(
		w,
		"committed=%d aborted=%d highest_committed=%d\n",
		res.Committed, res.Aborted, res.HighestCommitted,
	)
}
