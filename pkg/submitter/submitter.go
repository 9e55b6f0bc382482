package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/config"
	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/txn"
	"github.com/wuwei-labs/antegen/pkg/types"
)

const (
	// leaderRefresh bounds how often the leader schedule and cluster
	// node table are re-fetched.
	leaderRefresh = 30 * time.Second

	// perEndpointTimeout caps one direct attempt so a dead leader does
	// not eat the whole submission budget.
	perEndpointTimeout = 3 * time.Second
)

// Options configures a Submitter.
type Options struct {
	Mode         config.SubmissionMode
	LeaderFanout int
	Executor     types.Pubkey
	EnableReplay bool
	ReplayDelay  time.Duration
}

// Submitter delivers signed transactions with a preferred direct path and
// automatic RPC fallback, and optionally publishes durable transactions
// for delayed replay.
type Submitter struct {
	opts    Options
	client  *rpc.Client
	conns   *ConnCache
	breaker *CircuitBreaker
	bus     Bus
	logger  zerolog.Logger

	leaders *leaderSchedule
}

// New creates a submitter. bus may be nil when replay is disabled.
func New(client *rpc.Client, bus Bus, opts Options) *Submitter {
	if opts.LeaderFanout <= 0 {
		opts.LeaderFanout = 12
	}
	return &Submitter{
		opts:    opts,
		client:  client,
		conns:   NewConnCache(5 * time.Minute),
		breaker: NewCircuitBreaker(5, 30*time.Second),
		bus:     bus,
		logger:  log.For("submitter"),
		leaders: &leaderSchedule{},
	}
}

// Breaker exposes the direct-path circuit breaker.
func (s *Submitter) Breaker() *CircuitBreaker {
	return s.breaker
}

// ReapConnections drops idle ingress clients. Called periodically by the
// engine.
func (s *Submitter) ReapConnections() int {
	return s.conns.Reap()
}

// Submit delivers a transaction and returns the network signature. When
// replay is enabled and the transaction is durable, a replay envelope is
// published regardless of the submission outcome.
func (s *Submitter) Submit(ctx context.Context, tx *txn.Transaction, thread types.Pubkey, durable bool) (types.Signature, error) {
	sig, err := s.submitOnce(ctx, tx)

	if s.opts.EnableReplay && durable && s.bus != nil {
		sigStr := ""
		if err == nil {
			sigStr = sig.String()
		} else if own, sigErr := tx.Signature(); sigErr == nil {
			sigStr = own.String()
		}
		if pubErr := s.publishReplay(tx, thread, sigStr, 0); pubErr != nil {
			s.logger.Warn().Err(pubErr).Str(log.FieldThread, thread.String()).Msg("Replay publish failed")
		}
	}
	return sig, err
}

// submitOnce runs the configured submission path without touching the
// replay bus.
func (s *Submitter) submitOnce(ctx context.Context, tx *txn.Transaction) (types.Signature, error) {
	txBase64, err := tx.Base64()
	if err != nil {
		return types.Signature{}, err
	}

	useDirect := s.opts.Mode != config.ModeRPCOnly
	if useDirect && !s.breaker.Allow() {
		if s.opts.Mode == config.ModeDirectOnly {
			return types.Signature{}, fmt.Errorf("%w: circuit breaker open", rpc.ErrUnavailable)
		}
		useDirect = false
	}

	if useDirect {
		sig, err := s.submitDirect(ctx, txBase64)
		if err == nil {
			s.breaker.Success()
			return sig, nil
		}
		s.breaker.Failure()
		if s.opts.Mode == config.ModeDirectOnly {
			return types.Signature{}, err
		}
		s.logger.Debug().Err(err).Msg("Direct submission failed, falling back to RPC")
	}

	return s.submitRPC(ctx, txBase64)
}

// submitDirect fans the transaction out to the current and upcoming
// leaders' ingress endpoints, returning on the first acknowledgement.
func (s *Submitter) submitDirect(ctx context.Context, txBase64 string) (types.Signature, error) {
	timer := metrics.NewTimer()
	endpoints, err := s.leaderEndpoints(ctx)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("direct", "error").Inc()
		return types.Signature{}, err
	}
	if len(endpoints) == 0 {
		metrics.SubmissionsTotal.WithLabelValues("direct", "error").Inc()
		return types.Signature{}, fmt.Errorf("%w: no leader endpoints", rpc.ErrUnavailable)
	}

	var lastErr error
	for _, addr := range endpoints {
		attemptCtx, cancel := context.WithTimeout(ctx, perEndpointTimeout)
		sigStr, err := s.conns.Get(addr).SendTransaction(attemptCtx, txBase64)
		cancel()
		if err == nil {
			var sig types.Signature
			if uerr := sig.UnmarshalText([]byte(sigStr)); uerr != nil {
				lastErr = uerr
				continue
			}
			metrics.SubmissionsTotal.WithLabelValues("direct", "ok").Inc()
			timer.ObserveDurationVec(metrics.SubmissionDuration, "direct")
			return sig, nil
		}
		lastErr = err
		s.conns.Invalidate(addr)
		if ctx.Err() != nil {
			break
		}
	}
	metrics.SubmissionsTotal.WithLabelValues("direct", "error").Inc()
	return types.Signature{}, fmt.Errorf("direct submission failed: %w", lastErr)
}

func (s *Submitter) submitRPC(ctx context.Context, txBase64 string) (types.Signature, error) {
	timer := metrics.NewTimer()
	sigStr, err := s.client.SendTransaction(ctx, txBase64)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rpc", "error").Inc()
		return types.Signature{}, err
	}
	var sig types.Signature
	if err := sig.UnmarshalText([]byte(sigStr)); err != nil {
		return types.Signature{}, fmt.Errorf("invalid signature in response: %w", err)
	}
	metrics.SubmissionsTotal.WithLabelValues("rpc", "ok").Inc()
	timer.ObserveDurationVec(metrics.SubmissionDuration, "rpc")
	return sig, nil
}

// Confirmed checks whether a signature reached confirmed commitment.
func (s *Submitter) Confirmed(ctx context.Context, signature string) (bool, error) {
	statuses, err := s.client.GetSignatureStatuses(ctx, []string{signature})
	if err != nil {
		return false, err
	}
	if len(statuses) == 0 {
		return false, nil
	}
	return statuses[0].Confirmed(), nil
}

func (s *Submitter) publishReplay(tx *txn.Transaction, thread types.Pubkey, signature string, replayCount int) error {
	txBase64, err := tx.Base64()
	if err != nil {
		return err
	}
	msg := types.DurableTransactionMessage{
		ID:                uuid.New().String(),
		TransactionBase64: txBase64,
		ThreadPubkey:      thread,
		Signature:         signature,
		Executor:          s.opts.Executor,
		Timestamp:         time.Now(),
		ReplayCount:       replayCount,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(SubjectDurableTxs, data); err != nil {
		return err
	}
	metrics.ReplaysPublished.Inc()
	return nil
}

// leaderSchedule caches the mapping from upcoming slots to leader ingress
// addresses.
type leaderSchedule struct {
	mu        sync.Mutex
	endpoints []string
	fetchedAt time.Time
}

func (s *Submitter) leaderEndpoints(ctx context.Context) ([]string, error) {
	s.leaders.mu.Lock()
	defer s.leaders.mu.Unlock()
	if time.Since(s.leaders.fetchedAt) < leaderRefresh && len(s.leaders.endpoints) > 0 {
		return s.leaders.endpoints, nil
	}

	slot, err := s.client.GetSlot(ctx)
	if err != nil {
		return nil, err
	}
	leaders, err := s.client.GetSlotLeaders(ctx, slot, uint64(s.opts.LeaderFanout))
	if err != nil {
		return nil, err
	}
	nodes, err := s.client.GetClusterNodes(ctx)
	if err != nil {
		return nil, err
	}

	ingress := make(map[types.Pubkey]string, len(nodes))
	for _, node := range nodes {
		if node.RPC != "" {
			ingress[node.Pubkey] = "http://" + node.RPC
		}
	}

	var endpoints []string
	seen := make(map[string]bool)
	for _, leader := range leaders {
		addr, ok := ingress[leader]
		if !ok || seen[addr] {
			continue
		}
		seen[addr] = true
		endpoints = append(endpoints, addr)
	}

	s.leaders.endpoints = endpoints
	s.leaders.fetchedAt = time.Now()
	return endpoints, nil
}
