package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tbc/native/escrow"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeEscrowFailure  = -32020
)

// maxRPCBody bounds the request body accepted by the bridge endpoint.
const maxRPCBody = 1 << 20

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int64             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// rpcError carries the controller error code in Data so the client can
// restore the error class.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// WireTerms is the JSON form of EscrowTerms shared by the RPC bridge and the
// HTTP API. Amounts are decimal strings and windows are seconds.
type WireTerms struct {
	Buyer             string `json:"buyer"`
	Seller            string `json:"seller"`
	Amount            string `json:"amount"`
	CounterAmount     string `json:"counterAmount,omitempty"`
	Mode              string `json:"mode"`
	CommitmentWindow  int64  `json:"commitmentWindow"`
	ClaimWindow       int64  `json:"claimWindow"`
	TimedRelease      bool   `json:"timedRelease"`
	TimedReleaseDelay int64  `json:"timedReleaseDelay"`
	Nonce             string `json:"nonce,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type resolveParams struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

type createResult struct {
	ID string `json:"id"`
}

type receiptResult struct {
	ReceiptID string `json:"receiptId"`
}

type stateResult struct {
	State string `json:"state"`
}

// WireTermsOf converts terms to their wire form.
func WireTermsOf(t EscrowTerms) WireTerms {
	out := WireTerms{
		Buyer:             t.Buyer,
		Seller:            t.Seller,
		Mode:              t.Mode.String(),
		CommitmentWindow:  t.Windows.Commitment,
		ClaimWindow:       t.Windows.Claim,
		TimedRelease:      t.Windows.TimedReleaseEnabled,
		TimedReleaseDelay: t.Windows.TimedRelease,
	}
	if t.Amount != nil {
		out.Amount = t.Amount.String()
	}
	if t.CounterAmount != nil && t.CounterAmount.Sign() != 0 {
		out.CounterAmount = t.CounterAmount.String()
	}
	if t.Nonce != ([32]byte{}) {
		out.Nonce = common.Bytes2Hex(t.Nonce[:])
	}
	return out
}

// Terms parses the wire form of escrow terms.
func (in WireTerms) Terms() (EscrowTerms, error) {
	terms := EscrowTerms{
		Buyer:  strings.TrimSpace(in.Buyer),
		Seller: strings.TrimSpace(in.Seller),
		Windows: escrow.Windows{
			Commitment:          in.CommitmentWindow,
			Claim:               in.ClaimWindow,
			TimedReleaseEnabled: in.TimedRelease,
			TimedRelease:        in.TimedReleaseDelay,
		},
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(in.Amount), 10)
	if !ok {
		return EscrowTerms{}, fmt.Errorf("invalid amount %q", in.Amount)
	}
	terms.Amount = amount
	if strings.TrimSpace(in.CounterAmount) != "" {
		counter, ok := new(big.Int).SetString(strings.TrimSpace(in.CounterAmount), 10)
		if !ok {
			return EscrowTerms{}, fmt.Errorf("invalid counterAmount %q", in.CounterAmount)
		}
		terms.CounterAmount = counter
	}
	if in.Mode != "" {
		if err := terms.Mode.UnmarshalText([]byte(in.Mode)); err != nil {
			return EscrowTerms{}, err
		}
	}
	if in.Nonce != "" {
		raw := common.FromHex(in.Nonce)
		if len(raw) != 32 {
			return EscrowTerms{}, fmt.Errorf("nonce must be 32 bytes")
		}
		copy(terms.Nonce[:], raw)
	}
	return terms, nil
}

// RPCHandler serves a Bridge over JSON-RPC so another controller can use it
// through RPCBridge.
type RPCHandler struct {
	bridge Bridge
	logger *slog.Logger
}

// NewRPCHandler exposes bridge over JSON-RPC.
func NewRPCHandler(bridge Bridge, logger *slog.Logger) *RPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCHandler{bridge: bridge, logger: logger}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRPCBody)).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{Error: &rpcError{Code: codeParseError, Message: "invalid JSON-RPC request"}})
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeRPC(w, rpcResponse{ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "unsupported jsonrpc version"}})
		return
	}
	result, rpcErr := h.dispatch(r.Context(), req)
	writeRPC(w, rpcResponse{ID: req.ID, Result: result, Error: rpcErr})
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = jsonRPCVersion
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *RPCHandler) dispatch(ctx context.Context, req rpcRequest) (any, *rpcError) {
	if req.Method == "escrow_create" {
		var in WireTerms
		if err := decodeParam(req.Params, &in); err != nil {
			return nil, err
		}
		terms, err := in.Terms()
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		id, err := h.bridge.CreateEscrow(ctx, terms)
		if err != nil {
			return nil, h.failure(req.Method, err)
		}
		return createResult{ID: id.String()}, nil
	}

	var in resolveParams
	if err := decodeParam(req.Params, &in); err != nil {
		return nil, err
	}
	id, err := escrow.ParseOrderID(in.ID)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	var (
		result any = true
		opErr  error
	)
	switch req.Method {
	case "escrow_accept":
		opErr = h.bridge.SellerAccept(ctx, id)
	case "escrow_fund":
		opErr = h.bridge.BuyerFund(ctx, id)
	case "escrow_deliver":
		opErr = h.bridge.MarkDelivered(ctx, id)
	case "escrow_counterDeliver":
		opErr = h.bridge.MarkCounterDelivered(ctx, id)
	case "escrow_dispute":
		opErr = h.bridge.Dispute(ctx, id)
	case "escrow_cancel":
		opErr = h.bridge.Cancel(ctx, id)
	case "escrow_settle":
		var receiptID string
		receiptID, opErr = h.bridge.Settle(ctx, id)
		result = receiptResult{ReceiptID: receiptID}
	case "escrow_resolve":
		var receiptID string
		receiptID, opErr = h.bridge.Resolve(ctx, id, in.Outcome)
		result = receiptResult{ReceiptID: receiptID}
	case "escrow_state":
		var st escrow.EscrowState
		st, opErr = h.bridge.GetEscrowState(ctx, id)
		result = stateResult{State: st.String()}
	case "escrow_get":
		result, opErr = h.bridge.GetEscrow(ctx, id)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
	if opErr != nil {
		return nil, h.failure(req.Method, opErr)
	}
	return result, nil
}

func (h *RPCHandler) failure(method string, err error) *rpcError {
	code := Code(err)
	if code == CodeBridge {
		h.logger.Error("bridge rpc failed", "method", method, "error", err)
	}
	return &rpcError{Code: codeEscrowFailure, Message: err.Error(), Data: code}
}

func decodeParam(params []json.RawMessage, out any) *rpcError {
	if len(params) != 1 {
		return &rpcError{Code: codeInvalidParams, Message: "expected a single parameter object"}
	}
	if err := json.Unmarshal(params[0], out); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

// RPCBridge implements Bridge against a remote controller's JSON-RPC bridge
// endpoint.
type RPCBridge struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCBridge returns a client for the bridge served at baseURL.
func NewRPCBridge(baseURL, authToken string, timeout time.Duration) *RPCBridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCBridge{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *RPCBridge) CreateEscrow(ctx context.Context, terms EscrowTerms) (escrow.OrderID, error) {
	var result createResult
	if err := c.call(ctx, "escrow_create", WireTermsOf(terms), &result); err != nil {
		return escrow.OrderID{}, err
	}
	return escrow.ParseOrderID(result.ID)
}

func (c *RPCBridge) SellerAccept(ctx context.Context, id escrow.OrderID) error {
	return c.call(ctx, "escrow_accept", idParams{ID: id.String()}, nil)
}

func (c *RPCBridge) BuyerFund(ctx context.Context, id escrow.OrderID) error {
	return c.call(ctx, "escrow_fund", idParams{ID: id.String()}, nil)
}

func (c *RPCBridge) MarkDelivered(ctx context.Context, id escrow.OrderID) error {
	return c.call(ctx, "escrow_deliver", idParams{ID: id.String()}, nil)
}

func (c *RPCBridge) MarkCounterDelivered(ctx context.Context, id escrow.OrderID) error {
	return c.call(ctx, "escrow_counterDeliver", idParams{ID: id.String()}, nil)
}

func (c *RPCBridge) Settle(ctx context.Context, id escrow.OrderID) (string, error) {
	var result receiptResult
	if err := c.call(ctx, "escrow_settle", idParams{ID: id.String()}, &result); err != nil {
		return "", err
	}
	return result.ReceiptID, nil
}

func (c *RPCBridge) GetEscrowState(ctx context.Context, id escrow.OrderID) (escrow.EscrowState, error) {
	var result stateResult
	if err := c.call(ctx, "escrow_state", idParams{ID: id.String()}, &result); err != nil {
		return escrow.StateNone, err
	}
	return escrow.ParseState(result.State)
}

func (c *RPCBridge) GetEscrow(ctx context.Context, id escrow.OrderID) (*EscrowView, error) {
	var result EscrowView
	if err := c.call(ctx, "escrow_get", idParams{ID: id.String()}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCBridge) Dispute(ctx context.Context, id escrow.OrderID) error {
	return c.call(ctx, "escrow_dispute", idParams{ID: id.String()}, nil)
}

func (c *RPCBridge) Cancel(ctx context.Context, id escrow.OrderID) error {
	return c.call(ctx, "escrow_cancel", idParams{ID: id.String()}, nil)
}

func (c *RPCBridge) Resolve(ctx context.Context, id escrow.OrderID, outcome string) (string, error) {
	var result receiptResult
	if err := c.call(ctx, "escrow_resolve", resolveParams{ID: id.String(), Outcome: outcome}, &result); err != nil {
		return "", err
	}
	return result.ReceiptID, nil
}

func (c *RPCBridge) call(ctx context.Context, method string, params any, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  []json.RawMessage{rawParams},
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(payload))
	}
	var reply rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return err
	}
	if reply.Error != nil {
		if reply.Error.Data != "" && reply.Error.Code == codeEscrowFailure {
			return &RemoteError{Code: reply.Error.Data, Message: reply.Error.Message}
		}
		return fmt.Errorf("bridge rpc error: %s", reply.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(reply.Result) == 0 {
		return errors.New("bridge rpc returned empty result")
	}
	return json.Unmarshal(reply.Result, out)
}
