package submitter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/metrics"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/txn"
	"github.com/wuwei-labs/antegen/pkg/types"
)

// ReplayConsumer is the sibling task that drains antegen.durable_txs,
// holds each durable transaction for the configured delay, and resubmits
// it if the original never confirmed.
type ReplayConsumer struct {
	submitter  *Submitter
	client     *rpc.Client
	bus        Bus
	executor   *txn.Keypair
	delay      time.Duration
	maxReplays int
	logger     zerolog.Logger

	sub    Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReplayConsumer creates the consumer. The executor keypair re-signs
// transactions whose nonce value had to be refreshed.
func NewReplayConsumer(sub *Submitter, client *rpc.Client, bus Bus, executor *txn.Keypair, delay time.Duration, maxReplays int) *ReplayConsumer {
	if maxReplays <= 0 {
		maxReplays = 5
	}
	return &ReplayConsumer{
		submitter:  sub,
		client:     client,
		bus:        bus,
		executor:   executor,
		delay:      delay,
		maxReplays: maxReplays,
		logger:     log.For("replay"),
	}
}

// Start subscribes to the durable transaction subject.
func (r *ReplayConsumer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	sub, err := r.bus.Subscribe(SubjectDurableTxs, func(data []byte) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(runCtx, data)
		}()
	})
	if err != nil {
		cancel()
		return err
	}
	r.sub = sub
	r.logger.Info().Dur("delay", r.delay).Msg("Replay consumer started")
	return nil
}

// Stop unsubscribes and waits for in-flight handlers.
func (r *ReplayConsumer) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *ReplayConsumer) handle(ctx context.Context, data []byte) {
	var msg types.DurableTransactionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn().Err(err).Msg("Dropping undecodable replay message")
		return
	}
	logger := r.logger.With().Str(log.FieldThread, msg.ThreadPubkey.String()).Int("replay_count", msg.ReplayCount).Logger()

	// Hold for the remainder of the delay window.
	wait := time.Until(msg.Timestamp.Add(r.delay))
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	// Ack-and-drop when the original already landed.
	if msg.Signature != "" {
		confirmed, err := r.submitter.Confirmed(ctx, msg.Signature)
		if err != nil {
			logger.Warn().Err(err).Msg("Confirmation check failed, proceeding with replay")
		} else if confirmed {
			metrics.ReplaysDropped.Inc()
			logger.Debug().Msg("Original signature confirmed, dropping replay")
			return
		}
	}

	if msg.ReplayCount >= r.maxReplays {
		r.deadLetter(data, logger)
		return
	}

	tx, err := txn.ParseTransactionBase64(msg.TransactionBase64)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropping unparsable replay transaction")
		return
	}

	// Refresh the nonce value if the account moved on since signing.
	if nonceAccount, ok := tx.NonceAccountOf(); ok {
		na, err := r.client.GetNonceAccount(ctx, nonceAccount)
		if err != nil {
			logger.Warn().Err(err).Msg("Nonce refresh failed, resubmitting as-is")
		} else if na.Nonce != tx.Message.RecentBlockhash {
			if err := tx.Resign(r.executor, na.Nonce); err != nil {
				logger.Error().Err(err).Msg("Failed to re-sign replayed transaction")
				return
			}
		}
	}

	sig, err := r.submitter.submitOnce(ctx, tx)
	if err != nil {
		logger.Warn().Err(err).Msg("Replay submission failed")
	} else {
		metrics.ReplaysResubmitted.Inc()
		logger.Info().Str("signature", sig.String()).Msg("Replayed durable transaction")
		if s, serr := tx.Signature(); serr == nil {
			msg.Signature = s.String()
		}
	}

	// Requeue with an incremented counter so an unconfirmed replay gets
	// another look after the next delay window.
	msg.ReplayCount++
	msg.Timestamp = time.Now()
	if newSig, err := tx.Signature(); err == nil {
		txBase64, berr := tx.Base64()
		if berr == nil {
			msg.TransactionBase64 = txBase64
		}
		if msg.Signature == "" {
			msg.Signature = newSig.String()
		}
	}
	requeued, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal replay requeue")
		return
	}
	if err := r.bus.Publish(SubjectDurableTxs, requeued); err != nil {
		logger.Warn().Err(err).Msg("Replay requeue publish failed")
	}
}

func (r *ReplayConsumer) deadLetter(data []byte, logger zerolog.Logger) {
	if err := r.bus.Publish(SubjectDurableTxsDLQ, data); err != nil {
		logger.Error().Err(err).Msg("Replay dead-letter publish failed")
		return
	}
	logger.Warn().Msg("Replay budget exhausted, routed to dead-letter topic")
}
