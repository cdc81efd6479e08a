package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/posener/complete"

	"github.com/rosterlab/rosterd/acgme"
	"github.com/rosterlab/rosterd/conflict"
	"github.com/rosterlab/rosterd/jobs"
	"github.com/rosterlab/rosterd/lb"
	"github.com/rosterlab/rosterd/ratelimit"
	"github.com/rosterlab/rosterd/throttle"
)

type AgentCommand struct {
	Meta

	// ShutdownCh lets tests stop the agent without a signal.
	ShutdownCh <-chan struct{}
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: rosterd agent [options]

  Start the scheduling control plane: the job scheduler, the request
  throttler, the load-balancer health prober, the rate limiter and the
  permission cache, all sharing one key-value store.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the scheduling control plane"
}

func (c *AgentCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *AgentCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *AgentCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("agent")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	logger := c.Logger("rosterd")
	store, err := c.StateStore(logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing state store: %s", err))
		return 1
	}
	kvStore := c.KV()

	validator := acgme.NewValidator(logger, store)
	engine := conflict.NewEngine(logger, store, validator)

	// Exercise the limiter's store path once so a misconfigured Redis
	// surfaces at startup instead of on the first admission.
	limiter := ratelimit.NewLimiter(logger, kvStore, nil)
	if d := limiter.Check(context.Background(), "agent", "self-check", ratelimit.TierInternal); !d.Allowed {
		c.Ui.Error("Rate limiter self-check failed")
		return 1
	}

	throttler := throttle.New(logger, kvStore, throttle.DefaultConfig(), throttle.Adaptive{})
	throttler.Start()
	defer throttler.Stop()

	registry := lb.NewRegistry(logger)
	registry.SetMirror(kvStore)
	prober := lb.NewProber(logger, registry, &lb.TCPProbe{}, nil)
	prober.Start()
	defer prober.Stop()

	sched := jobs.NewScheduler(logger, store)
	sched.Register("noop", func(context.Context) (string, error) { return "", nil })
	sched.Register("compliance-sweep", func(ctx context.Context) (string, error) {
		now := time.Now().UTC().Truncate(24 * time.Hour)
		res, err := validator.Validate(ctx, now, now.AddDate(0, 0, 27), nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d violations in the next 28 days", len(res.Violations)), nil
	})
	sched.Register("conflict-scan", func(ctx context.Context) (string, error) {
		now := time.Now().UTC().Truncate(24 * time.Hour)
		conflicts, err := engine.Analyze(ctx, now, now.AddDate(0, 0, 27), "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d conflicts detected", len(conflicts)), nil
	})
	if err := sched.Start(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting job scheduler: %s", err))
		return 1
	}
	defer sched.Stop()

	c.Ui.Output("rosterd agent running")
	logger.Info("agent started", "redis", c.redisAddr != "")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-signalCh:
		logger.Info("shutting down", "signal", sig)
	case <-c.ShutdownCh:
		logger.Info("shutting down")
	}
	return 0
}
