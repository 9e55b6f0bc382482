package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/types"
)

// PollSource is the remote event source: periodic getProgramAccounts
// polling, with optional websocket subscriptions layered on top for lower
// latency.
type PollSource struct {
	client    *rpc.Client
	ws        *rpc.WSClient
	programID types.Pubkey
	interval  time.Duration
	events    chan types.ObservedEvent
	logger    zerolog.Logger

	mu         sync.Mutex
	subscribed map[types.Pubkey]bool
	lastHash   map[types.Pubkey]types.Hash

	slot     atomic.Uint64
	lastSlot atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollSource creates a poll source. wsURL may be empty to disable the
// websocket layer.
func NewPollSource(client *rpc.Client, wsURL string, programID types.Pubkey, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	src := &PollSource{
		client:     client,
		programID:  programID,
		interval:   interval,
		events:     make(chan types.ObservedEvent, 1024),
		subscribed: make(map[types.Pubkey]bool),
		lastHash:   make(map[types.Pubkey]types.Hash),
		logger:     log.For("rpc-source"),
	}
	if wsURL != "" {
		src.ws = rpc.NewWSClient(wsURL)
	}
	return src
}

// Start implements EventSource.
func (s *PollSource) Start(ctx context.Context) error {
	// Probe the endpoint so a dead RPC fails Start instead of looping.
	slot, err := s.client.GetSlot(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	s.slot.Store(slot)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.pollLoop(runCtx)
	if s.ws != nil {
		s.wg.Add(1)
		go s.wsLoop(runCtx)
	}
	return nil
}

// Stop implements EventSource.
func (s *PollSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// Events implements EventSource.
func (s *PollSource) Events() <-chan types.ObservedEvent {
	return s.events
}

// NextEvent implements EventSource.
func (s *PollSource) NextEvent() (types.ObservedEvent, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return types.ObservedEvent{}, false
	}
}

// SubscribeThread implements EventSource.
func (s *PollSource) SubscribeThread(pubkey types.Pubkey) error {
	s.mu.Lock()
	s.subscribed[pubkey] = true
	s.mu.Unlock()
	if s.ws != nil {
		return s.ws.Watch(pubkey)
	}
	return nil
}

// UnsubscribeThread implements EventSource.
func (s *PollSource) UnsubscribeThread(pubkey types.Pubkey) error {
	s.mu.Lock()
	delete(s.subscribed, pubkey)
	delete(s.lastHash, pubkey)
	s.mu.Unlock()
	if s.ws != nil {
		return s.ws.Unwatch(pubkey)
	}
	return nil
}

// CurrentSlot implements EventSource.
func (s *PollSource) CurrentSlot() uint64 {
	return s.slot.Load()
}

// Name implements EventSource.
func (s *PollSource) Name() string {
	return "rpc"
}

func (s *PollSource) emit(ctx context.Context, ev types.ObservedEvent) bool {
	select {
	case s.events <- ev:
		metrics.EventsObserved.WithLabelValues(string(ev.Kind)).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *PollSource) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("RPC poll source started")

	for {
		select {
		case <-ticker.C:
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Poll cycle failed")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("RPC poll source stopped")
			return
		}
	}
}

func (s *PollSource) poll(ctx context.Context) error {
	clock, err := s.client.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch clock: %w", err)
	}
	s.slot.Store(clock.Slot)

	// Thread accounts are re-polled wholesale; emit only actual changes.
	accounts, err := s.client.GetProgramAccounts(ctx, s.programID)
	if err != nil {
		return fmt.Errorf("failed to list thread accounts: %w", err)
	}
	for _, entry := range accounts {
		hash := types.HashBytes(entry.Account.Data)
		s.mu.Lock()
		changed := s.lastHash[entry.Pubkey] != hash
		if changed {
			s.lastHash[entry.Pubkey] = hash
		}
		s.mu.Unlock()
		if !changed {
			continue
		}

		thread, err := types.DecodeThreadAccount(entry.Pubkey, entry.Account.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("pubkey", entry.Pubkey.String()).Msg("Skipping malformed thread account")
			continue
		}
		if thread.Paused {
			continue
		}
		if !s.emit(ctx, types.ObservedEvent{
			Kind:   types.EventThreadUpdate,
			Pubkey: entry.Pubkey,
			Thread: thread,
			Slot:   clock.Slot,
		}) {
			return ctx.Err()
		}
	}

	// Monitored accounts (Account triggers) are emitted, data included,
	// only when the hash of their data changed since the last poll.
	s.mu.Lock()
	watched := make([]types.Pubkey, 0, len(s.subscribed))
	for pk := range s.subscribed {
		watched = append(watched, pk)
	}
	s.mu.Unlock()
	for _, pk := range watched {
		acc, err := s.client.GetAccountInfo(ctx, pk)
		if err != nil {
			s.logger.Debug().Err(err).Str("pubkey", pk.String()).Msg("Monitored account fetch failed")
			continue
		}
		hash := types.HashBytes(acc.Data)
		s.mu.Lock()
		changed := s.lastHash[pk] != hash
		if changed {
			s.lastHash[pk] = hash
		}
		s.mu.Unlock()
		if !changed {
			continue
		}
		if !s.emit(ctx, types.ObservedEvent{
			Kind:     types.EventAccountUpdate,
			Pubkey:   pk,
			DataHash: hash,
			Data:     acc.Data,
			Slot:     acc.Slot,
		}) {
			return ctx.Err()
		}
	}

	// ThreadUpdates above precede the ClockUpdate for the same cycle, so
	// the executor drains scheduled work only after the cache is current.
	if !s.emit(ctx, types.ObservedEvent{Kind: types.EventClockUpdate, Slot: clock.Slot, Clock: clock}) {
		return ctx.Err()
	}

	// Without a websocket the confirmed transition is approximated by the
	// clock's slot advancing.
	if prev := s.lastSlot.Swap(clock.Slot); clock.Slot > prev && s.ws == nil {
		if !s.emit(ctx, types.ObservedEvent{Kind: types.EventSlotStatus, Slot: clock.Slot, Status: types.SlotConfirmed}) {
			return ctx.Err()
		}
	}
	return nil
}

// wsLoop keeps one websocket session alive, reconnecting with a capped
// backoff, and converts notifications into observed events.
func (s *PollSource) wsLoop(ctx context.Context) {
	defer s.wg.Done()

	accounts := make(chan rpc.AccountNotification, 256)
	slots := make(chan rpc.SlotNotification, 256)

	s.wg.Add(1)
	go s.pump(ctx, accounts, slots)

	delay := time.Second
	for ctx.Err() == nil {
		err := s.ws.Run(ctx, accounts, slots)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Websocket session ended, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (s *PollSource) pump(ctx context.Context, accounts <-chan rpc.AccountNotification, slots <-chan rpc.SlotNotification) {
	defer s.wg.Done()
	for {
		select {
		case n := <-accounts:
			hash := types.HashBytes(n.Data)
			s.mu.Lock()
			s.lastHash[n.Pubkey] = hash
			s.mu.Unlock()

			if owner, err := types.ParsePubkey(n.Owner); err == nil && owner == s.programID {
				thread, err := types.DecodeThreadAccount(n.Pubkey, n.Data)
				if err != nil {
					s.logger.Warn().Err(err).Str("pubkey", n.Pubkey.String()).Msg("Skipping malformed thread notification")
					continue
				}
				if thread.Paused {
					continue
				}
				s.emit(ctx, types.ObservedEvent{
					Kind:   types.EventThreadUpdate,
					Pubkey: n.Pubkey,
					Thread: thread,
					Slot:   n.Slot,
				})
				continue
			}
			s.emit(ctx, types.ObservedEvent{
				Kind:     types.EventAccountUpdate,
				Pubkey:   n.Pubkey,
				DataHash: hash,
				Data:     n.Data,
				Slot:     n.Slot,
			})

		case n := <-slots:
			if n.Slot > s.slot.Load() {
				s.slot.Store(n.Slot)
			}
			s.emit(ctx, types.ObservedEvent{Kind: types.EventSlotStatus, Slot: n.Slot, Status: types.SlotConfirmed})
			if n.Root > 0 {
				s.emit(ctx, types.ObservedEvent{Kind: types.EventSlotStatus, Slot: n.Root, Status: types.SlotRooted})
			}

		case <-ctx.Done():
			return
		}
	}
}
