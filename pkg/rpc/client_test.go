package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/types"
)

func init() {
	log.Setup("error", false, nil)
}

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *Error)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestGetSlot(t *testing.T) {
	client := rpcServer(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "getSlot", method)
		return 1234, nil
	})
	slot, err := client.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), slot)
}

func TestSendTransactionErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		rpcErr  *Error
		wantErr error
	}{
		{
			name:    "blockhash not found",
			rpcErr:  &Error{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"},
			wantErr: ErrBlockhashNotFound,
		},
		{
			name:    "nonce advanced",
			rpcErr:  &Error{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 0: advancing stored nonce requires a populated RecentBlockhashes sysvar"},
			wantErr: ErrNonceAdvanced,
		},
		{
			name:    "node unhealthy",
			rpcErr:  &Error{Code: -32005, Message: "Node is behind by 150 slots"},
			wantErr: ErrNodeUnhealthy,
		},
		{
			name:    "insufficient funds",
			rpcErr:  &Error{Code: -32002, Message: "Transaction results in an account with insufficient funds for rent"},
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "signature verification",
			rpcErr:  &Error{Code: -32003, Message: "Transaction signature verification failure"},
			wantErr: ErrInvalidSigner,
		},
		{
			name:    "trigger not ready",
			rpcErr:  &Error{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 2: custom program error: 0x1770"},
			wantErr: ErrTriggerNotReady,
		},
		{
			name:    "thread paused",
			rpcErr:  &Error{Code: -32002, Message: "Transaction simulation failed: custom program error: 0x1771"},
			wantErr: ErrThreadPaused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := rpcServer(t, func(method string, _ json.RawMessage) (any, *Error) {
				return nil, tt.rpcErr
			})
			_, err := client.SendTransaction(context.Background(), "AQID")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSendTransactionUnclassifiedError(t *testing.T) {
	client := rpcServer(t, func(string, json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32002, Message: "custom program error: 0x1"}
	})
	_, err := client.SendTransaction(context.Background(), "AQID")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32002, rpcErr.Code)
}

func TestUnreachableEndpoint(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")
	_, err := client.GetSlot(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetAccountInfo(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	client := rpcServer(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "getAccountInfo", method)
		return map[string]any{
			"context": map[string]any{"slot": 55},
			"value": map[string]any{
				"lamports": 1000,
				"owner":    types.SystemProgramID.String(),
				"data":     []string{base64.StdEncoding.EncodeToString(data), "base64"},
			},
		}, nil
	})

	acc, err := client.GetAccountInfo(context.Background(), types.Pubkey{7})
	require.NoError(t, err)
	assert.Equal(t, data, acc.Data)
	assert.Equal(t, uint64(55), acc.Slot)
	assert.Equal(t, uint64(1000), acc.Lamports)
}

func TestGetAccountInfoMissing(t *testing.T) {
	client := rpcServer(t, func(string, json.RawMessage) (any, *Error) {
		return map[string]any{"context": map[string]any{"slot": 55}, "value": nil}, nil
	})
	_, err := client.GetAccountInfo(context.Background(), types.Pubkey{7})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetNonceAccount(t *testing.T) {
	authority := types.Pubkey{0xA1}
	nonce := types.HashBytes([]byte("nonce"))

	data := make([]byte, nonceAccountMinLen)
	data[4] = 1 // state: initialized
	copy(data[8:40], authority[:])
	copy(data[40:72], nonce[:])

	client := rpcServer(t, func(string, json.RawMessage) (any, *Error) {
		return map[string]any{
			"context": map[string]any{"slot": 55},
			"value": map[string]any{
				"lamports": 1,
				"owner":    types.SystemProgramID.String(),
				"data":     []string{base64.StdEncoding.EncodeToString(data), "base64"},
			},
		}, nil
	})

	na, err := client.GetNonceAccount(context.Background(), types.Pubkey{7})
	require.NoError(t, err)
	assert.Equal(t, authority, na.Authority)
	assert.Equal(t, nonce, na.Nonce)
}

func TestGetNonceAccountUninitialized(t *testing.T) {
	data := make([]byte, nonceAccountMinLen)
	client := rpcServer(t, func(string, json.RawMessage) (any, *Error) {
		return map[string]any{
			"context": map[string]any{"slot": 55},
			"value": map[string]any{
				"lamports": 1,
				"owner":    types.SystemProgramID.String(),
				"data":     []string{base64.StdEncoding.EncodeToString(data), "base64"},
			},
		}, nil
	})
	_, err := client.GetNonceAccount(context.Background(), types.Pubkey{7})
	assert.Error(t, err)
}

func TestGetProgramAccounts(t *testing.T) {
	client := rpcServer(t, func(method string, _ json.RawMessage) (any, *Error) {
		require.Equal(t, "getProgramAccounts", method)
		return []any{
			map[string]any{
				"pubkey": types.Pubkey{9}.String(),
				"account": map[string]any{
					"lamports": 5,
					"owner":    types.Pubkey{8}.String(),
					"data":     []string{base64.StdEncoding.EncodeToString([]byte{0xFF}), "base64"},
				},
			},
		}, nil
	})

	accounts, err := client.GetProgramAccounts(context.Background(), types.Pubkey{8})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, types.Pubkey{9}, accounts[0].Pubkey)
	assert.Equal(t, []byte{0xFF}, accounts[0].Account.Data)
}

func TestSignatureStatusConfirmed(t *testing.T) {
	tests := []struct {
		name   string
		status *SignatureStatus
		want   bool
	}{
		{name: "nil", status: nil, want: false},
		{name: "processed", status: &SignatureStatus{ConfirmationStatus: "processed"}, want: false},
		{name: "confirmed", status: &SignatureStatus{ConfirmationStatus: "confirmed"}, want: true},
		{name: "finalized", status: &SignatureStatus{ConfirmationStatus: "finalized"}, want: true},
		{
			name:   "failed on chain",
			status: &SignatureStatus{ConfirmationStatus: "finalized", Err: json.RawMessage(`{"InstructionError":[0,"Custom"]}`)},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Confirmed())
		})
	}
}

func TestDecodeClock(t *testing.T) {
	data := make([]byte, clockSysvarLen)
	data[0] = 42   // slot
	data[16] = 3   // epoch
	data[32] = 100 // unix timestamp

	clock, err := DecodeClock(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), clock.Slot)
	assert.Equal(t, uint64(3), clock.Epoch)
	assert.Equal(t, int64(100), clock.UnixTimestamp)

	_, err = DecodeClock([]byte{1, 2})
	assert.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.GetSlot(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClassifyKeepsUnknownErrors(t *testing.T) {
	e := &Error{Code: -32099, Message: "something new"}
	got := classify(e)
	assert.Equal(t, fmt.Sprintf("rpc error %d: %s", e.Code, e.Message), got.Error())
}
