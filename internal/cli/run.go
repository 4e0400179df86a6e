package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/forumspy/internal/config"
	"github.com/ppiankov/forumspy/internal/dispatch"
	"github.com/ppiankov/forumspy/internal/relay"
	"github.com/ppiankov/forumspy/internal/tracker"
)

var (
	runOnce    bool
	runDryRun  bool
	runNoPrime bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the forum and relay new posts",
	RunE:  runAction,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single cycle and exit")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "print messages as JSON instead of sending; delivery state is not changed")
	runCmd.Flags().BoolVar(&runNoPrime, "no-prime", false, "send posts already in the listing on first start")
	rootCmd.AddCommand(runCmd)
}

// newRelayDispatcher is swapped in tests.
var newRelayDispatcher = func(cfg *config.Config, log logrus.FieldLogger) (dispatch.Dispatcher, error) {
	if runDryRun {
		return dispatch.Writer{W: os.Stdout}, nil
	}
	return newDispatcher(cfg, log)
}

func runAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	spy, err := newSpy(cfg)
	if err != nil {
		return err
	}
	disp, err := newRelayDispatcher(cfg, logger)
	if err != nil {
		return err
	}

	var (
		tr        *tracker.Tracker
		recovered bool
	)
	if runDryRun {
		// Later cycles still see what this run "delivered".
		tr, recovered, err = openDryRunTracker(ctx, cfg, logger)
		if err != nil {
			return err
		}
	} else {
		var store tracker.Store
		tr, store, err = openTracker(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Metrics.Listen != "" {
		shutdown := serveMetrics(cfg.Metrics.Listen, reg, logger)
		defer shutdown()
	}

	opts := relay.Options{
		Fetcher:        spy,
		Dispatcher:     disp,
		Tracker:        tr,
		Normalizer:     pipeline.Normalizer,
		Formatter:      pipeline.Formatter,
		ExcludedBoards: cfg.Forum.ExcludedBoards,
		Prime:          *cfg.Poll.Prime && !runNoPrime && !recovered,
		Metrics:        relay.NewMetrics(reg),
		Logger:         logger,
	}
	if *cfg.Forum.ResolveNames {
		opts.Resolver = spy
	}
	r, err := relay.New(opts)
	if err != nil {
		return err
	}

	if runOnce {
		res, err := r.RunCycle(ctx)
		if saveErr := tr.Save(context.WithoutCancel(ctx)); saveErr != nil && err == nil {
			err = fmt.Errorf("save delivery state: %w", saveErr)
		}
		printCycle(res)
		return err
	}

	logger.WithFields(logrus.Fields{
		"forum":       cfg.Forum.Root,
		"destination": cfg.Destination.Kind,
		"storage":     cfg.Storage.Kind,
		"interval":    cfg.Poll.Interval.Duration,
		"tracked":     tr.Len(),
	}).Info("forumspy started")
	err = r.Run(ctx, cfg.Poll.Interval.Duration, cfg.Poll.RetryInterval.Duration)
	logger.Info("forumspy stopped")
	return err
}

func printCycle(res relay.Result) {
	fmt.Printf("Cycle %s: %d posts in listing, %d sent, %d already delivered, %d skipped, %d excluded, %d primed, %d failed\n",
		res.ID, res.Fragments, res.Sent, res.Seen, res.Skipped, res.Excluded, res.Primed, res.Failed)
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
