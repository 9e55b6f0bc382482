package executor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/config"
	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/txn"
	"github.com/wuwei-labs/antegen/pkg/types"
)

func init() {
	log.Setup("error", false, nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "success", err: nil, want: OutcomeComplete},
		{name: "nonce advanced", err: fmt.Errorf("wrap: %w", rpc.ErrNonceAdvanced), want: OutcomeComplete},
		{name: "transport down", err: rpc.ErrUnavailable, want: OutcomeRetry},
		{name: "rate limited", err: rpc.ErrRateLimited, want: OutcomeRetry},
		{name: "node unhealthy", err: rpc.ErrNodeUnhealthy, want: OutcomeRetry},
		{name: "blockhash not found", err: rpc.ErrBlockhashNotFound, want: OutcomeRetry},
		{name: "deadline", err: context.DeadlineExceeded, want: OutcomeRetry},
		{name: "shutdown cancel", err: context.Canceled, want: OutcomeRetry},
		{name: "trigger not ready", err: rpc.ErrTriggerNotReady, want: OutcomeRetryOnce},
		{name: "invalid signer", err: rpc.ErrInvalidSigner, want: OutcomeDead},
		{name: "insufficient funds", err: rpc.ErrInsufficientFunds, want: OutcomeDead},
		{name: "thread paused", err: rpc.ErrThreadPaused, want: OutcomeDead},
		{name: "unknown program error", err: &rpc.Error{Code: -32002, Message: "custom program error: 0x1"}, want: OutcomeDead},
		{name: "anything else", err: errors.New("boom"), want: OutcomeDead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// fakeSubmitter scripts submission outcomes per attempt.
type fakeSubmitter struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	lastTx  *txn.Transaction
	durable []bool
}

func (f *fakeSubmitter) Submit(ctx context.Context, tx *txn.Transaction, thread types.Pubkey, durable bool) (types.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTx = tx
	f.durable = append(f.durable, durable)
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	return types.Signature{1}, err
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCache serves thread snapshots.
type fakeCache struct {
	mu      sync.Mutex
	threads map[types.Pubkey]*types.Thread
}

func (f *fakeCache) Snapshot(pk types.Pubkey) (*types.Thread, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[pk]
	return th, ok
}

func (f *fakeCache) ExecCount(pk types.Pubkey) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[pk]
	if !ok {
		return 0, false
	}
	return th.ExecCount, true
}

func (f *fakeCache) set(th *types.Thread) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[th.Pubkey] = th
}

// fakeChain serves nonce and blockhash reads.
type fakeChain struct {
	nonce     types.Hash
	blockhash types.Hash
}

func (f *fakeChain) GetNonceAccount(ctx context.Context, pk types.Pubkey) (*rpc.NonceAccount, error) {
	return &rpc.NonceAccount{Nonce: f.nonce}, nil
}

func (f *fakeChain) GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error) {
	return f.blockhash, 100, nil
}

func testIdentity(t *testing.T) *txn.Keypair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return txn.NewKeypair(priv)
}

func testThread(pk types.Pubkey, execCount uint64) *types.Thread {
	nonce := types.Pubkey{0xAA}
	return &types.Thread{
		Pubkey:       pk,
		Authority:    types.Pubkey{0xBB},
		ExecCount:    execCount,
		Trigger:      types.Trigger{Kind: types.TriggerInterval, IntervalSeconds: 60},
		Context:      types.TriggerContext{NextTimestamp: 1000},
		NonceAccount: &nonce,
		Fibers: []types.Fiber{{
			Instruction: types.FiberInstruction{ProgramID: types.Pubkey{0xCC}, Data: []byte{1}},
		}},
	}
}

type executorFixture struct {
	exec  *Executor
	queue *queue.Queue
	sub   *fakeSubmitter
	cache *fakeCache
}

func newFixture(t *testing.T, maxRetries int, subErrs ...error) *executorFixture {
	t.Helper()
	retry := config.RetryConfig{
		MaxRetries:        maxRetries,
		InitialDelayMS:    1,
		MaxDelayMS:        10,
		BackoffMultiplier: 2.0,
	}
	q, err := queue.Open(t.TempDir(), retry)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	sub := &fakeSubmitter{errs: subErrs}
	cache := &fakeCache{threads: make(map[types.Pubkey]*types.Thread)}
	chain := &fakeChain{nonce: types.HashBytes([]byte("nonce"))}

	exec := New(q, sub, cache, chain, nil, nil, Options{
		ProgramID:    types.Pubkey{0xEE},
		Identity:     testIdentity(t),
		Workers:      1,
		TimeoutSlots: 10,
	})
	return &executorFixture{exec: exec, queue: q, sub: sub, cache: cache}
}

// claimOne checks the already-scheduled task out for a worker.
func claimOne(t *testing.T, f *executorFixture, task *types.ExecutionTask) *types.ExecutionTask {
	t.Helper()
	claimed, err := f.queue.ClaimReady(time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t, 3)
	th := testThread(types.Pubkey{1}, 0)
	f.cache.set(th)

	ready := types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 0, TriggerTime: 1000}
	task := types.NewExecutionTask(ready, time.Now())
	require.NoError(t, f.queue.Schedule(task, time.Now().Add(-time.Second)))

	f.exec.process(context.Background(), claimOne(t, f, task))

	assert.Equal(t, 1, f.sub.callCount())
	assert.True(t, f.sub.durable[0], "thread with a nonce account submits durably")

	// One submission, one complete, nothing left behind.
	scheduled, processing, dead, err := f.queue.Depths()
	require.NoError(t, err)
	assert.Zero(t, scheduled)
	assert.Zero(t, processing)
	assert.Zero(t, dead)

	// The composed transaction carries the fixed instruction order.
	ixs := f.sub.lastTx.Message.Instructions
	require.Len(t, ixs, 3)
	assert.Equal(t, types.SystemProgramID, ixs[0].ProgramID, "nonce advance first")
	assert.Equal(t, types.Pubkey{0xCC}, ixs[1].ProgramID, "fiber instruction second")
	assert.Equal(t, types.Pubkey{0xEE}, ixs[2].ProgramID, "exec marker last")
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	refused := fmt.Errorf("%w: connection refused", rpc.ErrUnavailable)
	f := newFixture(t, 3, refused, refused, refused, refused, refused)
	th := testThread(types.Pubkey{1}, 0)
	f.cache.set(th)

	ready := types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 0}
	task := types.NewExecutionTask(ready, time.Now())
	require.NoError(t, f.queue.Schedule(task, time.Now().Add(-time.Second)))

	// Attempts 1..3 reschedule, attempt 4 exhausts the budget.
	for attempt := 1; attempt <= 4; attempt++ {
		time.Sleep(15 * time.Millisecond) // let the backoff elapse
		f.exec.process(context.Background(), claimOne(t, f, task))
	}

	assert.Equal(t, 4, f.sub.callCount())
	_, _, dead, err := f.queue.Depths()
	require.NoError(t, err)
	assert.Equal(t, 1, dead)

	entries, err := f.queue.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "max_retries", entries[0].Reason)
	assert.Equal(t, 3, entries[0].Task.RetryCount)
}

func TestProcessBenignNonceRace(t *testing.T) {
	raced := fmt.Errorf("%w: transaction nonce has already been advanced", rpc.ErrNonceAdvanced)
	f := newFixture(t, 3, raced)
	th := testThread(types.Pubkey{1}, 7)
	f.cache.set(th)

	ready := types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 7}
	task := types.NewExecutionTask(ready, time.Now())
	require.NoError(t, f.queue.Schedule(task, time.Now().Add(-time.Second)))

	f.exec.process(context.Background(), claimOne(t, f, task))

	// Someone else executed; the task completes with no dead letter.
	scheduled, processing, dead, err := f.queue.Depths()
	require.NoError(t, err)
	assert.Zero(t, scheduled)
	assert.Zero(t, processing)
	assert.Zero(t, dead)
}

func TestProcessStaleExecCountCompletesWithoutSubmitting(t *testing.T) {
	f := newFixture(t, 3)
	pk := types.Pubkey{1}
	f.cache.set(testThread(pk, 8)) // chain already past exec_count 7

	stale := testThread(pk, 7)
	ready := types.ThreadReady{ThreadPubkey: pk, Thread: stale, ExecCount: 7}
	task := types.NewExecutionTask(ready, time.Now())
	require.NoError(t, f.queue.Schedule(task, time.Now().Add(-time.Second)))

	f.exec.process(context.Background(), claimOne(t, f, task))

	assert.Zero(t, f.sub.callCount(), "no transaction for already-done work")
	scheduled, processing, dead, err := f.queue.Depths()
	require.NoError(t, err)
	assert.Zero(t, scheduled+processing+dead)
}

func TestProcessTriggerNotReadyRetriesOnce(t *testing.T) {
	notReady := fmt.Errorf("%w: simulation failed", rpc.ErrTriggerNotReady)
	f := newFixture(t, 3, notReady, notReady)
	th := testThread(types.Pubkey{1}, 0)
	f.cache.set(th)

	ready := types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 0}
	task := types.NewExecutionTask(ready, time.Now())
	require.NoError(t, f.queue.Schedule(task, time.Now().Add(-time.Second)))

	f.exec.process(context.Background(), claimOne(t, f, task))
	scheduled, _, dead, err := f.queue.Depths()
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled, "first trigger-not-ready reschedules")
	assert.Zero(t, dead)

	time.Sleep(15 * time.Millisecond)
	f.exec.process(context.Background(), claimOne(t, f, task))
	scheduled, _, dead, err = f.queue.Depths()
	require.NoError(t, err)
	assert.Zero(t, scheduled)
	assert.Equal(t, 1, dead, "second trigger-not-ready dead-letters")
}

// blockingSubmitter holds each submission until released, signalling when
// one is in flight.
type blockingSubmitter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSubmitter) Submit(ctx context.Context, tx *txn.Transaction, thread types.Pubkey, durable bool) (types.Signature, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return types.Signature{1}, nil
	case <-ctx.Done():
		return types.Signature{}, ctx.Err()
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	retry := config.RetryConfig{MaxRetries: 3, InitialDelayMS: 1, MaxDelayMS: 10, BackoffMultiplier: 2.0}
	q, err := queue.Open(t.TempDir(), retry)
	require.NoError(t, err)
	defer q.Close()

	sub := &blockingSubmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	cache := &fakeCache{threads: make(map[types.Pubkey]*types.Thread)}
	th := testThread(types.Pubkey{1}, 0)
	cache.set(th)

	readyCh := make(chan types.ThreadReady, 1)
	clockCh := make(chan types.ClockState, 1)
	exec := New(q, sub, cache, &fakeChain{nonce: types.HashBytes([]byte("n"))}, readyCh, clockCh, Options{
		ProgramID:  types.Pubkey{0xEE},
		Identity:   testIdentity(t),
		Workers:    1,
		DrainGrace: 5 * time.Second,
	})
	exec.Start(context.Background())

	readyCh <- types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 0}
	require.Eventually(t, func() bool {
		scheduled, _, _, err := q.Depths()
		return err == nil && scheduled == 1
	}, 2*time.Second, 10*time.Millisecond)

	clockCh <- types.ClockState{Slot: 1, UnixTimestamp: 1}
	<-sub.started // a worker is now mid-submission

	// Release the submission shortly after Stop begins: the grace window
	// must let it finish and complete instead of orphaning it.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(sub.release)
	}()
	exec.Stop()

	scheduled, processing, dead, err := q.Depths()
	require.NoError(t, err)
	assert.Zero(t, scheduled)
	assert.Zero(t, processing, "in-flight task drained to completion, not orphaned")
	assert.Zero(t, dead)
}

func TestStopAbortsAfterGraceDeadline(t *testing.T) {
	retry := config.RetryConfig{MaxRetries: 3, InitialDelayMS: 1, MaxDelayMS: 10, BackoffMultiplier: 2.0}
	q, err := queue.Open(t.TempDir(), retry)
	require.NoError(t, err)
	defer q.Close()

	sub := &blockingSubmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	cache := &fakeCache{threads: make(map[types.Pubkey]*types.Thread)}
	th := testThread(types.Pubkey{1}, 0)
	cache.set(th)

	readyCh := make(chan types.ThreadReady, 1)
	clockCh := make(chan types.ClockState, 1)
	exec := New(q, sub, cache, &fakeChain{nonce: types.HashBytes([]byte("n"))}, readyCh, clockCh, Options{
		ProgramID:  types.Pubkey{0xEE},
		Identity:   testIdentity(t),
		Workers:    1,
		DrainGrace: 50 * time.Millisecond,
	})
	exec.Start(context.Background())

	readyCh <- types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 0}
	require.Eventually(t, func() bool {
		scheduled, _, _, err := q.Depths()
		return err == nil && scheduled == 1
	}, 2*time.Second, 10*time.Millisecond)

	clockCh <- types.ClockState{Slot: 1, UnixTimestamp: 1}
	<-sub.started

	// The submission never releases; Stop must return once the grace
	// deadline cancels it instead of hanging.
	done := make(chan struct{})
	go func() {
		exec.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the grace deadline")
	}

	// The cancelled attempt classifies as transient and goes back to
	// scheduled rather than dead-letter.
	scheduled, processing, dead, err := q.Depths()
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)
	assert.Zero(t, processing)
	assert.Zero(t, dead)
}

func TestProcessInsufficientFundsDeadLetters(t *testing.T) {
	broke := fmt.Errorf("%w: account has 0 lamports", rpc.ErrInsufficientFunds)
	f := newFixture(t, 3, broke)
	th := testThread(types.Pubkey{1}, 0)
	f.cache.set(th)

	ready := types.ThreadReady{ThreadPubkey: th.Pubkey, Thread: th, ExecCount: 0}
	task := types.NewExecutionTask(ready, time.Now())
	require.NoError(t, f.queue.Schedule(task, time.Now().Add(-time.Second)))

	f.exec.process(context.Background(), claimOne(t, f, task))

	entries, err := f.queue.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, f.sub.callCount())
}
