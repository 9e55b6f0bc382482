package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/types"
)

// Client is a pooled JSON-RPC 2.0 client for a single endpoint.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Uint64
	logger zerolog.Logger
}

// NewClient creates a client for the given HTTP endpoint.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		logger: log.For("rpc"),
	}
}

// URL returns the endpoint address the client talks to.
func (c *Client) URL() string {
	return c.url
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Call performs a raw JSON-RPC call and unmarshals the result into out.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, c.url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if rpcResp.Error != nil {
		return classify(rpcResp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type contextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// GetSlot returns the current confirmed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.Call(ctx, "getSlot", []any{map[string]string{"commitment": "confirmed"}}, &slot)
	return slot, err
}

// EpochInfo is the getEpochInfo result.
type EpochInfo struct {
	Epoch        uint64 `json:"epoch"`
	SlotIndex    uint64 `json:"slotIndex"`
	SlotsInEpoch uint64 `json:"slotsInEpoch"`
	AbsoluteSlot uint64 `json:"absoluteSlot"`
	BlockHeight  uint64 `json:"blockHeight"`
}

// GetEpochInfo returns the current epoch info.
func (c *Client) GetEpochInfo(ctx context.Context) (*EpochInfo, error) {
	var info EpochInfo
	if err := c.Call(ctx, "getEpochInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetLatestBlockhash returns a recent blockhash and its expiry height.
func (c *Client) GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error) {
	var result contextValue[struct {
		Blockhash            types.Hash `json:"blockhash"`
		LastValidBlockHeight uint64     `json:"lastValidBlockHeight"`
	}]
	err := c.Call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "confirmed"}}, &result)
	if err != nil {
		return types.Hash{}, 0, err
	}
	return result.Value.Blockhash, result.Value.LastValidBlockHeight, nil
}

// SendTransaction submits base64 transaction bytes and returns the network
// signature.
func (c *Client) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var sig string
	err := c.Call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{"encoding": "base64", "maxRetries": 0},
	}, &sig)
	return sig, err
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Confirmed reports whether the status reached at least confirmed
// commitment without an error.
func (s *SignatureStatus) Confirmed() bool {
	if s == nil || len(s.Err) > 0 && string(s.Err) != "null" {
		return false
	}
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// GetSignatureStatuses resolves the statuses of the given signatures;
// entries are nil for unknown signatures.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*SignatureStatus, error) {
	var result contextValue[[]*SignatureStatus]
	err := c.Call(ctx, "getSignatureStatuses", []any{sigs, map[string]bool{"searchTransactionHistory": true}}, &result)
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// Account is the decoded-account envelope returned by account queries.
type Account struct {
	Lamports uint64 `json:"lamports"`
	Owner    string `json:"owner"`
	Data     []byte
	Slot     uint64
}

type rawAccount struct {
	Lamports uint64   `json:"lamports"`
	Owner    string   `json:"owner"`
	Data     []string `json:"data"`
}

func (a *rawAccount) decode(slot uint64) (*Account, error) {
	acc := &Account{Lamports: a.Lamports, Owner: a.Owner, Slot: slot}
	if len(a.Data) > 0 {
		raw, err := base64.StdEncoding.DecodeString(a.Data[0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode account data: %w", err)
		}
		acc.Data = raw
	}
	return acc, nil
}

// GetAccountInfo fetches one account with base64 data encoding.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*Account, error) {
	var result contextValue[*rawAccount]
	err := c.Call(ctx, "getAccountInfo", []any{
		pubkey.String(),
		map[string]string{"encoding": "base64", "commitment": "confirmed"},
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, pubkey)
	}
	return result.Value.decode(result.Context.Slot)
}

// KeyedAccount pairs an account with its address.
type KeyedAccount struct {
	Pubkey  types.Pubkey
	Account *Account
}

// GetProgramAccounts lists all accounts owned by a program.
func (c *Client) GetProgramAccounts(ctx context.Context, program types.Pubkey) ([]KeyedAccount, error) {
	var raw []struct {
		Pubkey  types.Pubkey `json:"pubkey"`
		Account rawAccount   `json:"account"`
	}
	err := c.Call(ctx, "getProgramAccounts", []any{
		program.String(),
		map[string]string{"encoding": "base64", "commitment": "confirmed"},
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make([]KeyedAccount, 0, len(raw))
	for _, entry := range raw {
		acc, err := entry.Account.decode(0)
		if err != nil {
			c.logger.Warn().Err(err).Str("pubkey", entry.Pubkey.String()).Msg("Skipping undecodable program account")
			continue
		}
		out = append(out, KeyedAccount{Pubkey: entry.Pubkey, Account: acc})
	}
	return out, nil
}

// GetSlotLeaders returns the leader schedule starting at a slot.
func (c *Client) GetSlotLeaders(ctx context.Context, start, limit uint64) ([]types.Pubkey, error) {
	var leaders []types.Pubkey
	err := c.Call(ctx, "getSlotLeaders", []any{start, limit}, &leaders)
	return leaders, err
}

// ClusterNode is one gossip participant with its ingress addresses.
type ClusterNode struct {
	Pubkey types.Pubkey `json:"pubkey"`
	RPC    string       `json:"rpc"`
	TPU    string       `json:"tpu"`
}

// GetClusterNodes lists the cluster's nodes and their ingress addresses.
func (c *Client) GetClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	var nodes []ClusterNode
	err := c.Call(ctx, "getClusterNodes", nil, &nodes)
	return nodes, err
}

// NonceAccount is the decoded durable nonce state.
type NonceAccount struct {
	Authority types.Pubkey
	Nonce     types.Hash
}

// nonce account layout: u32 version, u32 state, 32-byte authority,
// 32-byte durable nonce, u64 fee calculator.
const nonceAccountMinLen = 4 + 4 + 32 + 32 + 8

// GetNonceAccount fetches and decodes a durable nonce account.
func (c *Client) GetNonceAccount(ctx context.Context, pubkey types.Pubkey) (*NonceAccount, error) {
	acc, err := c.GetAccountInfo(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if len(acc.Data) < nonceAccountMinLen {
		return nil, fmt.Errorf("nonce account %s too short: %d bytes", pubkey, len(acc.Data))
	}
	state := binary.LittleEndian.Uint32(acc.Data[4:8])
	if state != 1 {
		return nil, fmt.Errorf("nonce account %s not initialized", pubkey)
	}
	na := &NonceAccount{}
	copy(na.Authority[:], acc.Data[8:40])
	copy(na.Nonce[:], acc.Data[40:72])
	return na, nil
}

// clock sysvar layout: u64 slot, i64 epoch_start_timestamp, u64 epoch,
// u64 leader_schedule_epoch, i64 unix_timestamp.
const clockSysvarLen = 40

// DecodeClock parses clock sysvar account bytes.
func DecodeClock(data []byte) (*types.ClockState, error) {
	if len(data) < clockSysvarLen {
		return nil, fmt.Errorf("clock sysvar too short: %d bytes", len(data))
	}
	return &types.ClockState{
		Slot:          binary.LittleEndian.Uint64(data[0:8]),
		Epoch:         binary.LittleEndian.Uint64(data[16:24]),
		UnixTimestamp: int64(binary.LittleEndian.Uint64(data[32:40])),
	}, nil
}

// GetClock fetches and decodes the clock sysvar.
func (c *Client) GetClock(ctx context.Context) (*types.ClockState, error) {
	acc, err := c.GetAccountInfo(ctx, types.ClockSysvarID)
	if err != nil {
		return nil, err
	}
	return DecodeClock(acc.Data)
}
