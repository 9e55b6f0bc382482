package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/source"
	"github.com/wuwei-labs/antegen/pkg/types"
)

const (
	// dedupWindow bounds the LRU of recently emitted (thread, exec_count)
	// pairs. Redundant upstream sources replay the same update within a
	// short window, so the LRU only needs to cover that overlap.
	dedupWindow = 8192

	readyBuffer = 256
	clockBuffer = 16
)

// CachedThread is the observer's per-thread record.
type CachedThread struct {
	Thread     *types.Thread
	UpdatedAt  time.Time
	ReadyAt    *int64
	Subscribed bool
}

// Observer folds raw source events into the thread cache and emits
// ThreadReady signals on first not-ready -> ready transitions.
type Observer struct {
	src      source.EventSource
	cacheTTL time.Duration
	logger   zerolog.Logger

	readyCh chan types.ThreadReady
	clockCh chan types.ClockState

	mu       sync.RWMutex
	threads  map[types.Pubkey]*CachedThread
	watchers map[types.Pubkey]map[types.Pubkey]bool // monitored account -> watching threads
	accounts map[types.Pubkey][]byte                // monitored account -> latest data
	clock    types.ClockState

	emitted     *lru.Cache
	blockHeight atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an observer reading from the given source.
func New(src source.EventSource, cacheTTL time.Duration) *Observer {
	emitted, _ := lru.New(dedupWindow)
	return &Observer{
		src:      src,
		cacheTTL: cacheTTL,
		logger:   log.For("observer"),
		readyCh:  make(chan types.ThreadReady, readyBuffer),
		clockCh:  make(chan types.ClockState, clockBuffer),
		threads:  make(map[types.Pubkey]*CachedThread),
		watchers: make(map[types.Pubkey]map[types.Pubkey]bool),
		accounts: make(map[types.Pubkey][]byte),
		emitted:  emitted,
	}
}

// Ready is the readiness stream consumed by the executor.
func (o *Observer) Ready() <-chan types.ThreadReady {
	return o.readyCh
}

// Clocks is the clock-tick stream consumed by the executor.
func (o *Observer) Clocks() <-chan types.ClockState {
	return o.clockCh
}

// Clock returns the latest observed clock.
func (o *Observer) Clock() types.ClockState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clock
}

// BlockHeight returns the monotonic confirmed/rooted transition counter.
func (o *Observer) BlockHeight() uint64 {
	return o.blockHeight.Load()
}

// Snapshot returns the cached snapshot for a thread.
func (o *Observer) Snapshot(pubkey types.Pubkey) (*types.Thread, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.threads[pubkey]
	if !ok {
		return nil, false
	}
	return entry.Thread, true
}

// ExecCount returns the cached exec_count for a thread.
func (o *Observer) ExecCount(pubkey types.Pubkey) (uint64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.threads[pubkey]
	if !ok {
		return 0, false
	}
	return entry.Thread.ExecCount, true
}

// Start begins the event loop and the cache GC loop.
func (o *Observer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(2)
	go o.run(runCtx)
	go o.gcLoop(runCtx)
}

// Stop halts the loops. The source must be stopped first so the event
// channel drains.
func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Observer) run(ctx context.Context) {
	defer o.wg.Done()
	o.logger.Info().Str("source", o.src.Name()).Msg("Observer started")

	for {
		select {
		case ev := <-o.src.Events():
			o.handle(ctx, ev)
		case <-ctx.Done():
			o.logger.Info().Msg("Observer stopped")
			return
		}
	}
}

func (o *Observer) handle(ctx context.Context, ev types.ObservedEvent) {
	switch ev.Kind {
	case types.EventThreadUpdate:
		o.handleThreadUpdate(ctx, ev)
	case types.EventAccountUpdate:
		o.handleAccountUpdate(ctx, ev)
	case types.EventClockUpdate:
		o.handleClockUpdate(ctx, ev)
	case types.EventSlotStatus:
		if ev.Status == types.SlotConfirmed || ev.Status == types.SlotRooted {
			metrics.BlockHeight.Set(float64(o.blockHeight.Add(1)))
		}
	}
}

func (o *Observer) handleThreadUpdate(ctx context.Context, ev types.ObservedEvent) {
	if ev.Thread == nil {
		o.logger.Warn().Str("pubkey", ev.Pubkey.String()).Msg("Thread update without snapshot, skipping")
		return
	}
	th := ev.Thread

	o.mu.Lock()
	prev, known := o.threads[ev.Pubkey]
	if known && prev.Thread.ExecCount > th.ExecCount {
		// Stale out-of-order update; per-account order is monotonic per
		// source but two sources can interleave.
		o.mu.Unlock()
		return
	}
	completed := known && th.ExecCount > prev.Thread.ExecCount
	entry := &CachedThread{Thread: th, UpdatedAt: time.Now()}
	if known {
		entry.Subscribed = prev.Subscribed
	}
	o.threads[ev.Pubkey] = entry
	metrics.ThreadsCached.Set(float64(len(o.threads)))
	clock := o.clock
	o.mu.Unlock()

	if completed {
		// The prior generation committed on-chain; its task id is dead.
		o.logger.Debug().
			Str(log.FieldThread, ev.Pubkey.String()).
			Uint64(log.FieldExecCount, th.ExecCount).
			Msg("Thread advanced on-chain")
	}

	o.ensureSubscription(ev.Pubkey, entry)
	o.evaluate(ctx, entry, clock)
}

// ensureSubscription keeps the source's account-watch set in sync with
// Account triggers in the cache.
func (o *Observer) ensureSubscription(pubkey types.Pubkey, entry *CachedThread) {
	if entry.Thread.Trigger.Kind != types.TriggerAccount || entry.Subscribed {
		return
	}
	addr := entry.Thread.Trigger.Address
	if err := o.src.SubscribeThread(addr); err != nil {
		o.logger.Warn().Err(err).Str("address", addr.String()).Msg("Account subscription failed")
		return
	}
	o.mu.Lock()
	entry.Subscribed = true
	if o.watchers[addr] == nil {
		o.watchers[addr] = make(map[types.Pubkey]bool)
	}
	o.watchers[addr][pubkey] = true
	o.mu.Unlock()
}

func (o *Observer) handleAccountUpdate(ctx context.Context, ev types.ObservedEvent) {
	o.mu.Lock()
	o.accounts[ev.Pubkey] = ev.Data
	watching := make([]*CachedThread, 0, 4)
	for threadPk := range o.watchers[ev.Pubkey] {
		if entry, ok := o.threads[threadPk]; ok {
			watching = append(watching, entry)
		}
	}
	clock := o.clock
	o.mu.Unlock()

	for _, entry := range watching {
		o.evaluate(ctx, entry, clock)
	}
}

func (o *Observer) handleClockUpdate(ctx context.Context, ev types.ObservedEvent) {
	if ev.Clock == nil {
		return
	}
	o.mu.Lock()
	o.clock = *ev.Clock
	entries := make([]*CachedThread, 0, len(o.threads))
	for _, entry := range o.threads {
		entries = append(entries, entry)
	}
	clock := o.clock
	o.mu.Unlock()

	for _, entry := range entries {
		o.evaluate(ctx, entry, clock)
	}

	// Forwarded after re-evaluation so ClockUpdate reaches the executor
	// strictly after the ThreadReady signals of the same tick.
	select {
	case o.clockCh <- clock:
	case <-ctx.Done():
	}
}

// evaluate recomputes a thread's readiness and emits at most one
// ThreadReady per (thread, exec_count).
func (o *Observer) evaluate(ctx context.Context, entry *CachedThread, clock types.ClockState) {
	if clock.Slot == 0 && clock.UnixTimestamp == 0 {
		return
	}
	th := entry.Thread

	// The context hash covers only the monitored byte range, so the
	// comparison hash must too.
	var accountHash types.Hash
	if th.Trigger.Kind == types.TriggerAccount {
		o.mu.RLock()
		data, known := o.accounts[th.Trigger.Address]
		o.mu.RUnlock()
		if known {
			accountHash = types.WindowHash(data, th.Trigger.Offset, th.Trigger.Size)
		}
	}

	readyAt, ready := TriggerReady(th, clock, accountHash)
	if !ready {
		o.mu.Lock()
		entry.ReadyAt = nil
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	entry.ReadyAt = &readyAt
	o.mu.Unlock()

	key := dedupKey(th.Pubkey, th.ExecCount)
	if ok, _ := o.emitted.ContainsOrAdd(key, struct{}{}); ok {
		metrics.DuplicatesSuppressed.Inc()
		return
	}

	signal := types.ThreadReady{
		ThreadPubkey: th.Pubkey,
		Thread:       th,
		ExecCount:    th.ExecCount,
		TriggerTime:  readyAt,
	}

	// Blocking send: a full executor channel pauses event draining
	// rather than dropping readiness signals.
	select {
	case o.readyCh <- signal:
		metrics.ThreadsReady.Inc()
		o.logger.Info().
			Str(log.FieldThread, th.Pubkey.String()).
			Uint64(log.FieldExecCount, th.ExecCount).
			Str("trigger", string(th.Trigger.Kind)).
			Int64("trigger_time", readyAt).
			Msg("Thread ready")
	case <-ctx.Done():
	}
}

func dedupKey(pubkey types.Pubkey, execCount uint64) string {
	var buf [40]byte
	copy(buf[:32], pubkey[:])
	for i := 0; i < 8; i++ {
		buf[32+i] = byte(execCount >> (8 * i))
	}
	return string(buf[:])
}

// gcLoop evicts cache entries past the TTL and drops orphaned account
// subscriptions.
func (o *Observer) gcLoop(ctx context.Context) {
	defer o.wg.Done()
	if o.cacheTTL <= 0 {
		return
	}
	ticker := time.NewTicker(o.cacheTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.gc()
		case <-ctx.Done():
			return
		}
	}
}

func (o *Observer) gc() {
	cutoff := time.Now().Add(-o.cacheTTL)

	o.mu.Lock()
	var unsubscribe []types.Pubkey
	for pk, entry := range o.threads {
		if entry.UpdatedAt.After(cutoff) {
			continue
		}
		delete(o.threads, pk)
		if entry.Thread.Trigger.Kind == types.TriggerAccount {
			addr := entry.Thread.Trigger.Address
			if set := o.watchers[addr]; set != nil {
				delete(set, pk)
				if len(set) == 0 {
					delete(o.watchers, addr)
					delete(o.accounts, addr)
					unsubscribe = append(unsubscribe, addr)
				}
			}
		}
	}
	count := len(o.threads)
	o.mu.Unlock()

	metrics.ThreadsCached.Set(float64(count))
	for _, addr := range unsubscribe {
		if err := o.src.UnsubscribeThread(addr); err != nil {
			o.logger.Warn().Err(err).Str("address", addr.String()).Msg("Unsubscribe failed")
		}
	}
}
