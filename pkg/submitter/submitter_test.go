package submitter

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/config"
	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/rpc"
	"github.com/wuwei-labs/antegen/pkg/txn"
	"github.com/wuwei-labs/antegen/pkg/types"
)

func init() {
	log.Setup("error", false, nil)
}

// rpcHandler answers sendTransaction with a fixed signature and counts
// calls.
type rpcHandler struct {
	mu    sync.Mutex
	calls int
	sig   types.Signature
	fail  bool
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.calls++
	fail := h.fail
	h.mu.Unlock()

	var req struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	w.Header().Set("Content-Type", "application/json")
	if fail {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32005, "message": "Node is unhealthy"},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0", "id": req.ID, "result": h.sig.String(),
	})
}

func (h *rpcHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func signedTestTx(t *testing.T) *txn.Transaction {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	kp := txn.NewKeypair(priv)

	tx := &txn.Transaction{Message: txn.Message{
		FeePayer:        kp.Pubkey,
		RecentBlockhash: types.HashBytes([]byte("bh")),
		Instructions: []txn.Instruction{{
			ProgramID: types.Pubkey{0xCC},
			Data:      []byte{1},
		}},
	}}
	require.NoError(t, tx.Sign(kp.Private))
	return tx
}

func TestSubmitRPCOnly(t *testing.T) {
	handler := &rpcHandler{sig: types.Signature{5}}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	sub := New(rpc.NewClient(srv.URL), nil, Options{Mode: config.ModeRPCOnly})
	sig, err := sub.Submit(context.Background(), signedTestTx(t), types.Pubkey{1}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Signature{5}, sig)
	assert.Equal(t, 1, handler.callCount())
}

func TestSubmitRPCClassifiesFailure(t *testing.T) {
	handler := &rpcHandler{fail: true}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	sub := New(rpc.NewClient(srv.URL), nil, Options{Mode: config.ModeRPCOnly})
	_, err := sub.Submit(context.Background(), signedTestTx(t), types.Pubkey{1}, false)
	assert.ErrorIs(t, err, rpc.ErrNodeUnhealthy)
}

func TestSubmitFallsBackWhenBreakerOpen(t *testing.T) {
	handler := &rpcHandler{sig: types.Signature{7}}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	sub := New(rpc.NewClient(srv.URL), nil, Options{Mode: config.ModeDirectWithFallback})
	for i := 0; i < 5; i++ {
		sub.Breaker().Failure()
	}
	require.Equal(t, BreakerOpen, sub.Breaker().State())

	// The open breaker skips the direct path entirely; the RPC endpoint
	// sees exactly one sendTransaction.
	sig, err := sub.Submit(context.Background(), signedTestTx(t), types.Pubkey{1}, false)
	require.NoError(t, err)
	assert.Equal(t, types.Signature{7}, sig)
	assert.Equal(t, 1, handler.callCount())
}

func TestSubmitDirectOnlyFailsWhenBreakerOpen(t *testing.T) {
	handler := &rpcHandler{sig: types.Signature{7}}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	sub := New(rpc.NewClient(srv.URL), nil, Options{Mode: config.ModeDirectOnly})
	for i := 0; i < 5; i++ {
		sub.Breaker().Failure()
	}

	_, err := sub.Submit(context.Background(), signedTestTx(t), types.Pubkey{1}, false)
	assert.ErrorIs(t, err, rpc.ErrUnavailable)
	assert.Zero(t, handler.callCount(), "direct-only never falls back to RPC")
}

// memBus is an in-memory Bus for replay tests.
type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	handlers map[string][]func([]byte)
}

func newMemBus() *memBus {
	return &memBus{
		messages: make(map[string][][]byte),
		handlers: make(map[string][]func([]byte)),
	}
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.messages[subject] = append(b.messages[subject], data)
	handlers := append([]func([]byte){}, b.handlers[subject]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

type memSub struct{}

func (memSub) Unsubscribe() error { return nil }

func (b *memBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return memSub{}, nil
}

func (b *memBus) Close() {}

func (b *memBus) published(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.messages[subject]...)
}

func TestSubmitPublishesDurableReplay(t *testing.T) {
	handler := &rpcHandler{sig: types.Signature{9}}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	bus := newMemBus()
	executor := types.Pubkey{0xE0}
	sub := New(rpc.NewClient(srv.URL), bus, Options{
		Mode:         config.ModeRPCOnly,
		EnableReplay: true,
		Executor:     executor,
	})

	_, err := sub.Submit(context.Background(), signedTestTx(t), types.Pubkey{1}, true)
	require.NoError(t, err)

	published := bus.published(SubjectDurableTxs)
	require.Len(t, published, 1)

	var msg types.DurableTransactionMessage
	require.NoError(t, json.Unmarshal(published[0], &msg))
	assert.Equal(t, types.Pubkey{1}, msg.ThreadPubkey)
	assert.Equal(t, executor, msg.Executor)
	assert.Equal(t, types.Signature{9}.String(), msg.Signature)
	assert.Zero(t, msg.ReplayCount)
	assert.NotEmpty(t, msg.TransactionBase64)
}

func TestSubmitNonDurableSkipsReplay(t *testing.T) {
	handler := &rpcHandler{sig: types.Signature{9}}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	bus := newMemBus()
	sub := New(rpc.NewClient(srv.URL), bus, Options{Mode: config.ModeRPCOnly, EnableReplay: true})

	_, err := sub.Submit(context.Background(), signedTestTx(t), types.Pubkey{1}, false)
	require.NoError(t, err)
	assert.Empty(t, bus.published(SubjectDurableTxs))
}
