package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/txn"
	"github.com/wuwei-labs/antegen/pkg/types"
)

const (
	// claimBatch bounds how many due tasks one ClaimReady call moves; a
	// clock tick keeps claiming until a batch comes back short.
	claimBatch = 32

	// slotDuration approximates wall time per slot for the end-to-end
	// submission deadline.
	slotDuration = 400 * time.Millisecond
)

// ThreadCache is the observer-owned view the executor reads snapshots
// from. Workers only ever receive immutable copies.
type ThreadCache interface {
	Snapshot(types.Pubkey) (*types.Thread, bool)
	ExecCount(types.Pubkey) (uint64, bool)
}

// TxSubmitter delivers a signed transaction to the network.
type TxSubmitter interface {
	Submit(ctx context.Context, tx *txn.Transaction, thread types.Pubkey, durable bool) (types.Signature, error)
}

// ChainReader resolves the signing inputs a transaction needs.
type ChainReader interface {
	GetNonceAccount(ctx context.Context, pubkey types.Pubkey) (*rpc.NonceAccount, error)
	GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error)
}

// Options configures an Executor.
type Options struct {
	ProgramID       types.Pubkey
	Identity        *txn.Keypair
	ForgoCommission bool
	Workers         int
	TimeoutSlots    int

	// DrainGrace bounds how long Stop lets in-flight work finish before
	// hard-cancelling it.
	DrainGrace time.Duration
}

// Executor consumes readiness and clock signals, materializes signed
// transactions, and drives them to completion through the submitter.
type Executor struct {
	opts  Options
	queue *queue.Queue
	sub   TxSubmitter
	cache ThreadCache
	chain ChainReader

	readyCh <-chan types.ThreadReady
	clockCh <-chan types.ClockState
	taskCh  chan *types.ExecutionTask
	logger  zerolog.Logger

	mu    sync.RWMutex
	clock types.ClockState

	stopIntake context.CancelFunc
	stopWork   context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an executor.
func New(q *queue.Queue, sub TxSubmitter, cache ThreadCache, chain ChainReader, ready <-chan types.ThreadReady, clocks <-chan types.ClockState, opts Options) *Executor {
	if opts.Workers < 1 {
		opts.Workers = 10
	}
	if opts.TimeoutSlots <= 0 {
		opts.TimeoutSlots = 150
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 10 * time.Second
	}
	return &Executor{
		opts:    opts,
		queue:   q,
		sub:     sub,
		cache:   cache,
		chain:   chain,
		readyCh: ready,
		clockCh: clocks,
		taskCh:  make(chan *types.ExecutionTask, opts.Workers*2),
		logger:  log.For("executor"),
	}
}

// Start launches the intake loop and the worker pool.
func (e *Executor) Start(ctx context.Context) {
	// Intake and workers stop independently: shutdown cancels intake
	// first, then gives in-flight work a grace window before cancelling
	// the worker context.
	intakeCtx, stopIntake := context.WithCancel(ctx)
	workCtx, stopWork := context.WithCancel(ctx)
	e.stopIntake = stopIntake
	e.stopWork = stopWork

	e.wg.Add(1)
	go e.intake(intakeCtx)
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(workCtx, i)
	}
	e.logger.Info().Int("workers", e.opts.Workers).Msg("Executor started")
}

// Stop halts intake and drains the worker pool up to the configured grace
// deadline, then hard-cancels whatever is still in flight. The observer
// must be stopped first so the intake channels quiesce; tasks left in
// processing are recovered as orphans on next start.
func (e *Executor) Stop() {
	if e.stopIntake == nil {
		return
	}
	e.stopIntake()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.opts.DrainGrace):
		e.logger.Warn().
			Dur("grace", e.opts.DrainGrace).
			Msg("Drain deadline reached, cancelling in-flight work")
	}
	e.stopWork()
	e.wg.Wait()
	e.logger.Info().Msg("Executor stopped")
}

// Clock returns the executor's clock snapshot.
func (e *Executor) Clock() types.ClockState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock
}

func (e *Executor) intake(ctx context.Context) {
	defer e.wg.Done()
	// Intake is the only sender; closing lets the workers drain the
	// dispatched backlog during the shutdown grace window.
	defer close(e.taskCh)
	for {
		select {
		case ready := <-e.readyCh:
			e.handleReady(ready)
		case clock := <-e.clockCh:
			e.mu.Lock()
			e.clock = clock
			e.mu.Unlock()
			e.drainDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) handleReady(ready types.ThreadReady) {
	task := types.NewExecutionTask(ready, time.Now())
	err := e.queue.Schedule(task, task.ScheduledAt)
	if err != nil {
		// An id already in processing means this generation is in
		// flight; the duplicate observation is absorbed.
		e.logger.Debug().Err(err).
			Str(log.FieldTaskID, task.ID.String()).
			Str(log.FieldThread, task.ThreadPubkey.String()).
			Msg("Schedule skipped")
		return
	}
	metrics.TasksScheduled.Inc()
	e.logger.Info().
		Str(log.FieldTaskID, task.ID.String()).
		Str(log.FieldThread, task.ThreadPubkey.String()).
		Uint64(log.FieldExecCount, task.ExecCount).
		Msg("Task scheduled")
}

func (e *Executor) drainDue(ctx context.Context) {
	for {
		tasks, err := e.queue.ClaimReady(time.Now(), claimBatch)
		if err != nil {
			e.logger.Error().Err(err).Msg("Claim failed")
			return
		}
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			e.logger.Debug().
				Str(log.FieldTaskID, task.ID.String()).
				Int(log.FieldRetries, task.RetryCount).
				Msg("Task claimed")
			select {
			case e.taskCh <- task:
			case <-ctx.Done():
				return
			}
		}
		if len(tasks) < claimBatch {
			return
		}
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case task, ok := <-e.taskCh:
			if !ok {
				return
			}
			e.process(ctx, task)
		case <-ctx.Done():
			// Grace expired; the undispatched backlog stays in
			// processing and is recovered as orphans.
			return
		}
	}
}

// process runs the per-task worker procedure: freshness check, transaction
// composition, submission, and outcome handling.
func (e *Executor) process(ctx context.Context, task *types.ExecutionTask) {
	timer := metrics.NewTimer()
	logger := log.ForTask(e.logger, task.ID.String(), task.ThreadPubkey.String(), task.ExecCount, task.RetryCount)

	// The work may already be done: a later exec_count in the cache means
	// the execution committed on-chain (possibly through another
	// executor).
	if current, ok := e.cache.ExecCount(task.ThreadPubkey); ok && current > task.ExecCount {
		e.complete(task, "exec_count advanced", logger)
		return
	}

	thread := task.Thread
	if snap, ok := e.cache.Snapshot(task.ThreadPubkey); ok && snap.ExecCount == task.ExecCount {
		thread = snap
	}

	deadline := time.Duration(e.opts.TimeoutSlots) * slotDuration
	submitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tx, durable, err := e.buildTransaction(submitCtx, thread)
	if err == nil {
		_, err = e.sub.Submit(submitCtx, tx, task.ThreadPubkey, durable)
		if err == nil {
			logger.Info().Msg("Task submitted")
		}
	}
	timer.ObserveDuration(metrics.ExecutionLatency)

	switch Classify(err) {
	case OutcomeComplete:
		reason := "submitted"
		if err != nil {
			reason = "benign race: " + err.Error()
		}
		e.complete(task, reason, logger)

	case OutcomeRetry:
		e.retry(task, err, logger)

	case OutcomeRetryOnce:
		if task.RetryCount == 0 {
			e.retry(task, err, logger)
		} else {
			e.dead(task, "trigger not ready after retry", logger)
		}

	case OutcomeDead:
		e.dead(task, err.Error(), logger)
	}
}

// buildTransaction composes the signed execution transaction against the
// thread's durable nonce, or a fresh blockhash where the thread permits.
func (e *Executor) buildTransaction(ctx context.Context, thread *types.Thread) (*txn.Transaction, bool, error) {
	params := txn.BuildParams{
		ProgramID:       e.opts.ProgramID,
		Thread:          thread,
		Executor:        e.opts.Identity,
		ForgoCommission: e.opts.ForgoCommission,
	}

	if thread.NonceAccount != nil {
		na, err := e.chain.GetNonceAccount(ctx, *thread.NonceAccount)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read nonce account: %w", err)
		}
		params.NonceValue = na.Nonce
	} else {
		blockhash, _, err := e.chain.GetLatestBlockhash(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to fetch blockhash: %w", err)
		}
		params.RecentBlockhash = blockhash
	}

	tx, err := txn.BuildExecTransaction(params)
	return tx, params.Durable(), err
}

// fatalIfCorrupt enforces the crash-only storage policy: a corrupt queue
// record cannot be retried away, so the process exits for the supervisor
// to restart.
func fatalIfCorrupt(err error, logger zerolog.Logger) {
	if errors.Is(err, queue.ErrCorruptRecord) {
		logger.Fatal().Err(err).Msg("Queue storage corrupt, terminating")
	}
}

func (e *Executor) complete(task *types.ExecutionTask, reason string, logger zerolog.Logger) {
	if err := e.queue.Complete(task.ID); err != nil {
		fatalIfCorrupt(err, logger)
		logger.Error().Err(err).Msg("Complete failed")
		return
	}
	metrics.TasksCompleted.Inc()
	logger.Info().Str(log.FieldReason, reason).Msg("Task completed")
}

func (e *Executor) retry(task *types.ExecutionTask, cause error, logger zerolog.Logger) {
	retryCfg := e.queue.Retry()
	if task.RetryCount >= retryCfg.MaxRetries {
		e.dead(task, "max_retries", logger)
		return
	}
	delay := queue.RetryDelay(retryCfg, task.RetryCount)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.queue.Reschedule(task.ID, delay, msg); err != nil {
		fatalIfCorrupt(err, logger)
		logger.Error().Err(err).Msg("Reschedule failed")
		return
	}
	metrics.TasksRescheduled.Inc()
	logger.Warn().Dur("delay", delay).Str(log.FieldReason, msg).Msg("Task rescheduled")
}

func (e *Executor) dead(task *types.ExecutionTask, reason string, logger zerolog.Logger) {
	if err := e.queue.DeadLetter(task.ID, reason); err != nil {
		fatalIfCorrupt(err, logger)
		logger.Error().Err(err).Msg("Dead-letter failed")
		return
	}
	metrics.TasksDeadLettered.WithLabelValues(deadReasonLabel(reason)).Inc()
	logger.Error().Str(log.FieldReason, reason).Msg("Task dead-lettered")
}

// deadReasonLabel keeps the metric's label cardinality bounded.
func deadReasonLabel(reason string) string {
	if reason == "max_retries" {
		return "max_retries"
	}
	return "permanent"
}
