package executor

import (
	"context"
	"errors"
	"net"

	"github.com/wuwei-labs/antegen/pkg/rpc"
)

// Outcome is the executor's decision for a finished submission attempt.
type Outcome int

const (
	// OutcomeComplete removes the task: the execution landed, or a benign
	// race shows it already landed through someone else.
	OutcomeComplete Outcome = iota
	// OutcomeRetry reschedules the task with backoff.
	OutcomeRetry
	// OutcomeRetryOnce reschedules on the first attempt only, then routes
	// to dead-letter. Used for suspicious program responses.
	OutcomeRetryOnce
	// OutcomeDead routes the task to the dead-letter partition.
	OutcomeDead
)

// Classify maps a submission error onto the retry policy.
//
//	transport timeout, refused       -> retry
//	blockhash expired / not found    -> retry (refresh blockhash)
//	nonce advanced by another party  -> complete (already executed)
//	invalid signer, bad account      -> dead-letter
//	insufficient funds               -> dead-letter
//	trigger-not-ready from program   -> retry once, then dead-letter
//	any other program error          -> dead-letter
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeComplete

	case errors.Is(err, rpc.ErrNonceAdvanced):
		return OutcomeComplete

	case errors.Is(err, rpc.ErrUnavailable),
		errors.Is(err, rpc.ErrRateLimited),
		errors.Is(err, rpc.ErrNodeUnhealthy),
		errors.Is(err, rpc.ErrBlockhashNotFound),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return OutcomeRetry

	case errors.Is(err, rpc.ErrTriggerNotReady):
		return OutcomeRetryOnce

	case errors.Is(err, rpc.ErrInvalidSigner),
		errors.Is(err, rpc.ErrInsufficientFunds),
		errors.Is(err, rpc.ErrAccountNotFound),
		errors.Is(err, rpc.ErrThreadPaused):
		return OutcomeDead
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeRetry
	}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		// Unclassified program responses are permanent.
		return OutcomeDead
	}

	return OutcomeDead
}
