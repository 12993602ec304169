package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/eduabjr/cartorio-sub002/internal/platform/kafka"
	"github.com/eduabjr/cartorio-sub002/internal/syncengine"
	"github.com/eduabjr/cartorio-sub002/internal/syncengine/transport"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/circuit"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/resilient"
)

func newSyncCommand(app *App) *cobra.Command {
	defaults := resilient.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued records to the registry",
		Long: "Runs one delivery pass over the queue. With --interval the pass repeats until interrupted; " +
			"an open circuit makes later passes fail fast until the cooldown elapses.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runSync(cmd)
		},
	}

	f := cmd.Flags()
	f.Duration("interval", 0, "repeat the pass on this interval until interrupted (0 runs once)")
	f.String("transport", "http", "delivery transport (http|kafka)")
	f.String("registry-url", "http://localhost:8080", "registry base URL for the http transport")
	f.StringSlice("brokers", nil, "kafka seed brokers for the kafka transport")
	f.String("topic", transport.DefaultTopic, "kafka topic for the kafka transport")
	f.Int("workers", 1, "concurrent deliveries per pass")
	f.Int("max-attempts", 0, "leave entries alone after this many failed attempts (0 retries forever)")
	f.Float64("rate", 0, "maximum deliveries per second (0 is unlimited)")
	f.Int("burst", 1, "delivery burst allowed by --rate")
	f.Int("failure-threshold", defaults.FailureThreshold, "consecutive failures that open the circuit")
	f.Int("cooldown-ms", int(defaults.Cooldown.Milliseconds()), "time an open circuit waits before probing")
	f.Int("retry-attempts", defaults.RetryAttempts, "attempts per delivery, including the first")
	f.Int("backoff-base-ms", int(defaults.BackoffBase.Milliseconds()), "first retry delay, doubled on each retry")
	f.Int("call-timeout-ms", int(defaults.CallTimeout.Milliseconds()), "deadline for a single attempt")
	return cmd
}

// resilience reads the resilient client tunables.
func (a *App) resilience() resilient.Config {
	return resilient.Config{
		FailureThreshold: a.v.GetInt("failure-threshold"),
		Cooldown:         time.Duration(a.v.GetInt("cooldown-ms")) * time.Millisecond,
		RetryAttempts:    a.v.GetInt("retry-attempts"),
		BackoffBase:      time.Duration(a.v.GetInt("backoff-base-ms")) * time.Millisecond,
		CallTimeout:      time.Duration(a.v.GetInt("call-timeout-ms")) * time.Millisecond,
	}
}

// sender builds the configured transport. The returned func releases it.
func (a *App) sender() (syncengine.Sender, func(), error) {
	switch name := a.v.GetString("transport"); name {
	case "http":
		s, err := transport.NewHTTPSender(a.v.GetString("registry-url"))
		return s, func() {}, err
	case "kafka":
		producer, err := kafka.NewProducer(a.v.GetStringSlice("brokers"))
		if err != nil {
			return nil, nil, err
		}
		s, err := transport.NewKafkaSender(producer, a.v.GetString("topic"))
		if err != nil {
			producer.Close()
			return nil, nil, err
		}
		return s, producer.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q: must be http or kafka", name)
	}
}

type syncReport struct {
	syncengine.Result
	Breakers []breakerView `json:"breakers"`
}

func (a *App) runSync(cmd *cobra.Command) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sender, release, err := a.sender()
	if err != nil {
		return err
	}
	defer release()

	cfg := a.resilience()
	breakers := circuit.NewRegistry(cfg.BreakerOptions()...)
	client, err := resilient.New(breakers, resilient.WithConfig(cfg), resilient.WithLogger(a.logger))
	if err != nil {
		return err
	}
	engine, err := syncengine.New(st, sender, client,
		syncengine.WithWorkers(a.v.GetInt("workers")),
		syncengine.WithPolicy(syncengine.Policy{MaxAttempts: a.v.GetInt("max-attempts")}),
		syncengine.WithRateLimit(a.v.GetFloat64("rate"), a.v.GetInt("burst")),
		syncengine.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	interval := a.v.GetDuration("interval")
	if interval <= 0 {
		return a.syncPass(ctx, engine, breakers, out)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.syncPass(ctx, engine, breakers, out); err != nil {
			a.logger.ErrorContext(ctx, "sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) syncPass(ctx context.Context, engine *syncengine.Engine, breakers *circuit.Registry, out io.Writer) error {
	result, err := engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	report := syncReport{Result: result, Breakers: breakerViews(breakers.Snapshots())}
	if a.jsonOutput() {
		return writeJSON(out, report)
	}
	fmt.Fprintf(out, "synced %d, failed %d, skipped %d\n", result.Succeeded, result.Failed, result.Skipped)
	for _, b := range report.Breakers {
		fmt.Fprintf(out, "  %s: %s (%d consecutive failures)\n", b.Destination, b.State, b.Failures)
	}
	return nil
}
