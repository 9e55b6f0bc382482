package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/config"
	"github.com/wuwei-labs/antegen/pkg/executor"
	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/observer"
	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/source"
	"github.com/wuwei-labs/antegen/pkg/submitter"
	"github.com/wuwei-labs/antegen/pkg/txn"
)

const (
	orphanStaleThreshold = 60 * time.Second
	housekeepingInterval = 30 * time.Second
)

// Engine wires the observer -> queue -> executor -> submitter pipeline on
// top of one event source. All cross-component access goes through the
// handles built here; nothing is ambient.
type Engine struct {
	cfg      *config.Config
	identity *txn.Keypair
	client   *rpc.Client
	src      source.EventSource
	obs      *observer.Observer
	queue    *queue.Queue
	sub      *submitter.Submitter
	exec     *executor.Executor
	replay   *submitter.ReplayConsumer
	bus      submitter.Bus
	health   *metrics.Health
	logger   zerolog.Logger

	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine from configuration. When src is nil the RPC poll
// source is used; the validator plugin passes its bridge instead.
func New(cfg *config.Config, src source.EventSource) (*Engine, error) {
	identity, err := txn.LoadKeypair(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load executor identity: %w", err)
	}

	client := rpc.NewClient(cfg.RPCURL)
	programID := cfg.ProgramID()

	if src == nil {
		src = source.NewPollSource(client, cfg.WSURL, programID, cfg.PollInterval)
	}

	q, err := queue.Open(cfg.DataDir, cfg.Retry)
	if err != nil {
		return nil, err
	}

	var bus submitter.Bus
	if cfg.EnableReplay {
		bus, err = submitter.ConnectBus(cfg.NATSURL)
		if err != nil {
			q.Close()
			return nil, err
		}
	}

	sub := submitter.New(client, bus, submitter.Options{
		Mode:         cfg.SubmissionMode,
		LeaderFanout: cfg.LeaderFanout,
		Executor:     identity.Pubkey,
		EnableReplay: cfg.EnableReplay,
		ReplayDelay:  cfg.ReplayDelay(),
	})

	obs := observer.New(src, cfg.CacheTTL)

	exec := executor.New(q, sub, obs, client, obs.Ready(), obs.Clocks(), executor.Options{
		ProgramID:       programID,
		Identity:        identity,
		ForgoCommission: cfg.ForgoExecutorCommission,
		Workers:         cfg.ThreadCount,
		TimeoutSlots:    cfg.TransactionTimeoutThreshold,
	})

	eng := &Engine{
		cfg:      cfg,
		identity: identity,
		client:   client,
		src:      src,
		obs:      obs,
		queue:    q,
		sub:      sub,
		exec:     exec,
		bus:      bus,
		health:   metrics.NewHealth("source", "queue", "submitter"),
		logger:   log.For("engine"),
	}
	if cfg.EnableReplay {
		eng.replay = submitter.NewReplayConsumer(sub, client, bus, identity, cfg.ReplayDelay(), cfg.ReplayMaxAttempts)
	}
	return eng, nil
}

// Start brings the pipeline up: recover orphans, then executor, observer,
// source, replay consumer, and the metrics endpoint.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	recovered, err := e.queue.RecoverOrphans(orphanStaleThreshold)
	if err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	if recovered > 0 {
		metrics.OrphansRecovered.Add(float64(recovered))
	}

	e.exec.Start(runCtx)
	e.obs.Start(runCtx)

	if err := e.src.Start(runCtx); err != nil {
		return err
	}
	e.health.Report("source", true, e.src.Name())
	e.health.Report("queue", true, "")
	e.health.Report("submitter", true, "")

	if e.replay != nil {
		if err := e.replay.Start(runCtx); err != nil {
			return fmt.Errorf("replay consumer failed to start: %w", err)
		}
	}

	if e.cfg.MetricsAddr != "" {
		e.startMetricsServer()
	}

	e.wg.Add(1)
	go e.housekeeping(runCtx)

	e.logger.Info().
		Str("executor", e.identity.Pubkey.String()).
		Str("source", e.src.Name()).
		Str("mode", string(e.cfg.SubmissionMode)).
		Msg("Engine started")
	return nil
}

// Stop tears the pipeline down in dependency order: source intake first,
// then observer, then the worker pool, then storage. Tasks still in
// processing become orphans recovered on next start.
func (e *Engine) Stop() {
	e.logger.Info().Msg("Engine stopping")

	if err := e.src.Stop(); err != nil {
		e.logger.Warn().Err(err).Msg("Event source stop failed")
	}
	e.obs.Stop()
	e.exec.Stop()
	if e.replay != nil {
		e.replay.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if err := e.queue.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Queue close failed")
	}
	e.logger.Info().Msg("Engine stopped")
}

// Queue exposes the engine's task queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Health exposes the probe registry so the CLI can stamp the build
// version into reports.
func (e *Engine) Health() *metrics.Health {
	return e.health
}

func (e *Engine) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", e.health.LiveHandler())
	mux.HandleFunc("/ready", e.health.ReadyHandler())
	e.httpSrv = &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// housekeeping runs the periodic maintenance loops: orphan recovery,
// connection reaping, dead-letter retention, and queue depth gauges.
func (e *Engine) housekeeping(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if recovered, err := e.queue.RecoverOrphans(orphanStaleThreshold); err != nil {
				e.logger.Error().Err(err).Msg("Orphan recovery failed")
			} else if recovered > 0 {
				metrics.OrphansRecovered.Add(float64(recovered))
			}

			e.sub.ReapConnections()

			if evicted, err := e.queue.SweepDeadLetters(e.cfg.DeadLetterRetention); err != nil {
				e.logger.Error().Err(err).Msg("Dead-letter sweep failed")
			} else if evicted > 0 {
				e.logger.Info().Int("count", evicted).Msg("Evicted expired dead letters")
			}

			if scheduled, processing, dead, err := e.queue.Depths(); err == nil {
				metrics.QueueDepth.WithLabelValues("scheduled").Set(float64(scheduled))
				metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
				metrics.QueueDepth.WithLabelValues("dead_letter").Set(float64(dead))
			}

		case <-ctx.Done():
			return
		}
	}
}
