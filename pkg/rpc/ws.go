package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/types"
)

// AccountNotification is one pushed account update from a websocket
// subscription.
type AccountNotification struct {
	Pubkey types.Pubkey
	Data   []byte
	Owner  string
	Slot   uint64
}

// SlotNotification is one pushed slot tick.
type SlotNotification struct {
	Slot uint64
	Root uint64
}

// WSClient maintains a websocket session with account and slot
// subscriptions. Notifications are delivered on the channels passed to
// Run; the caller owns reconnection (Run returns on any session error).
type WSClient struct {
	url    string
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	// subscription id -> watched account, filled as confirmations arrive
	pending map[uint64]types.Pubkey
	subs    map[uint64]types.Pubkey
	wanted  map[types.Pubkey]bool
}

// NewWSClient creates an unconnected websocket client.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:     url,
		logger:  log.For("rpc-ws"),
		pending: make(map[uint64]types.Pubkey),
		subs:    make(map[uint64]types.Pubkey),
		wanted:  make(map[types.Pubkey]bool),
	}
}

// Watch adds an account to the subscription set. Takes effect on the
// current session if connected, otherwise on the next Run.
func (w *WSClient) Watch(pubkey types.Pubkey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wanted[pubkey] = true
	if w.conn != nil {
		return w.sendAccountSubscribe(pubkey)
	}
	return nil
}

// Unwatch removes an account from the subscription set.
func (w *WSClient) Unwatch(pubkey types.Pubkey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.wanted, pubkey)
	if w.conn == nil {
		return nil
	}
	for id, pk := range w.subs {
		if pk == pubkey {
			delete(w.subs, id)
			return w.send("accountUnsubscribe", []any{id})
		}
	}
	return nil
}

func (w *WSClient) send(method string, params any) error {
	w.nextID++
	msg := request{JSONRPC: "2.0", ID: w.nextID, Method: method, Params: params}
	return w.conn.WriteJSON(msg)
}

func (w *WSClient) sendAccountSubscribe(pubkey types.Pubkey) error {
	w.nextID++
	w.pending[w.nextID] = pubkey
	msg := request{
		JSONRPC: "2.0",
		ID:      w.nextID,
		Method:  "accountSubscribe",
		Params:  []any{pubkey.String(), map[string]string{"encoding": "base64", "commitment": "confirmed"}},
	}
	return w.conn.WriteJSON(msg)
}

// Run dials the endpoint, replays the wanted subscription set, subscribes
// to slot updates, and pumps notifications until the session breaks or ctx
// is cancelled.
func (w *WSClient) Run(ctx context.Context, accounts chan<- AccountNotification, slots chan<- SlotNotification) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, w.url, err)
	}
	defer conn.Close()

	w.mu.Lock()
	w.conn = conn
	w.pending = make(map[uint64]types.Pubkey)
	w.subs = make(map[uint64]types.Pubkey)
	for pk := range w.wanted {
		if err := w.sendAccountSubscribe(pk); err != nil {
			w.conn = nil
			w.mu.Unlock()
			return fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
		}
	}
	err = w.send("slotSubscribe", nil)
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: slotSubscribe: %v", ErrUnavailable, err)
	}

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", ErrUnavailable, err)
		}
		if err := w.dispatch(raw, accounts, slots); err != nil {
			w.logger.Warn().Err(err).Msg("Dropping malformed websocket message")
		}
	}
}

type wsMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
	Error *Error `json:"error"`
}

func (w *WSClient) dispatch(raw []byte, accounts chan<- AccountNotification, slots chan<- SlotNotification) error {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}

	// Subscription confirmation: bind request id to subscription id.
	if msg.ID != 0 {
		if msg.Error != nil {
			return classify(msg.Error)
		}
		w.mu.Lock()
		if pk, ok := w.pending[msg.ID]; ok {
			var subID uint64
			if err := json.Unmarshal(msg.Result, &subID); err == nil {
				w.subs[subID] = pk
			}
			delete(w.pending, msg.ID)
		}
		w.mu.Unlock()
		return nil
	}

	switch msg.Method {
	case "accountNotification":
		var result contextValue[rawAccount]
		if err := json.Unmarshal(msg.Params.Result, &result); err != nil {
			return err
		}
		w.mu.Lock()
		pk, ok := w.subs[msg.Params.Subscription]
		w.mu.Unlock()
		if !ok {
			return nil
		}
		var data []byte
		if len(result.Value.Data) > 0 {
			raw, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
			if err != nil {
				return err
			}
			data = raw
		}
		accounts <- AccountNotification{
			Pubkey: pk,
			Data:   data,
			Owner:  result.Value.Owner,
			Slot:   result.Context.Slot,
		}
	case "slotNotification":
		var result struct {
			Slot uint64 `json:"slot"`
			Root uint64 `json:"root"`
		}
		if err := json.Unmarshal(msg.Params.Result, &result); err != nil {
			return err
		}
		slots <- SlotNotification{Slot: result.Slot, Root: result.Root}
	}
	return nil
}
