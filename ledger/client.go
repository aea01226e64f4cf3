package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JSON-RPC error codes returned by the ledger service. Every code maps 1:1 to
// a local RejectReason; anything outside this table is treated as a generic
// rejection because the service still produced a deterministic answer.
const (
	codeInsufficientFunds = -32101
	codeBadFee            = -32102
	codeDuplicate         = -32103
	codeTooOld            = -32104
	codeCreatedInFuture   = -32105
	codeBadBurn           = -32106
)

const defaultTimeout = 10 * time.Second

// Client is a thin JSON-RPC client implementing Gateway against a ledger
// service endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient constructs a ledger client for the given base URL. The auth token
// is sent as a bearer credential when non-empty.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type balanceResult struct {
	Balance uint64 `json:"balance"`
}

type transferResult struct {
	BlockIndex uint64 `json:"blockIndex"`
}

// BalanceOf implements Gateway. Any failure to obtain a well-formed answer is
// a transport failure; a balance query has no business-level refusal.
func (c *Client) BalanceOf(ctx context.Context, ref string, account AccountID) (uint64, error) {
	params := map[string]interface{}{
		"ledger":  ref,
		"account": account.Hex(),
	}
	var result balanceResult
	if err := c.call(ctx, "ledger_balanceOf", params, &result); err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			return 0, &TransportError{Op: "balanceOf", Err: errors.New(rej.Error())}
		}
		return 0, err
	}
	return result.Balance, nil
}

// Transfer implements Gateway. A JSON-RPC error object from the service maps
// to a RejectionError; everything else (connection failure, timeout, bad
// payload, unexpected status) maps to a TransportError because the outcome
// cannot be confirmed.
func (c *Client) Transfer(ctx context.Context, ref string, args TransferArgs) (*Receipt, error) {
	memo := strings.TrimSpace(args.Memo)
	if memo == "" {
		memo = uuid.NewString()
	}
	params := map[string]interface{}{
		"ledger":         ref,
		"fromSubaccount": args.From,
		"to":             args.To.Hex(),
		"amount":         args.Amount,
		"fee":            args.Fee,
		"memo":           memo,
		"createdAt":      args.CreatedAt,
	}
	var result transferResult
	if err := c.call(ctx, "ledger_transfer", params, &result); err != nil {
		return nil, err
	}
	return &Receipt{BlockIndex: result.BlockIndex, Memo: memo}, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &TransportError{
			Op:  method,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &TransportError{Op: method, Err: err}
	}
	if rpcResp.Error != nil {
		return &RejectionError{
			Reason: reasonForCode(rpcResp.Error.Code),
			Detail: rpcResp.Error.Message,
		}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return &TransportError{Op: method, Err: errors.New("empty result")}
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &TransportError{Op: method, Err: err}
	}
	return nil
}

func reasonForCode(code int) RejectReason {
	switch code {
	case codeInsufficientFunds:
		return RejectInsufficientFunds
	case codeBadFee:
		return RejectBadFee
	case codeDuplicate:
		return RejectDuplicate
	case codeTooOld:
		return RejectTooOld
	case codeCreatedInFuture:
		return RejectCreatedInFuture
	case codeBadBurn:
		return RejectBadBurn
	default:
		return RejectGeneric
	}
}

// MarshalJSON renders the subaccount as hex for wire transport.
func (s Subaccount) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s[:]))
}

// UnmarshalJSON parses a hex subaccount.
func (s *Subaccount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return err
	}
	if len(decoded) != len(s) {
		return errBadAccountLength
	}
	copy(s[:], decoded)
	return nil
}
