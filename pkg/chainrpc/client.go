// Package chainrpc implements a JSON-RPC 2.0 client for EVM chain endpoints
// with explicit endpoint rotation.
//
// The client issues each call against the rotor's currently active endpoint
// and never retries internally: any transport error, non-2xx status, or
// malformed body surfaces as ErrUnavailable, and advancing to the next
// endpoint is the caller's decision. This keeps retry policy in exactly one
// place (the live-read loop) instead of being smeared across layers.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"

	"github.com/gasline/gasline/internal/types"
)

// DefaultTimeout is the per-call HTTP timeout. A timed-out call is treated
// identically to any other failed call.
const DefaultTimeout = 10 * time.Second

// maxResponseSize bounds how much of an RPC response body is read.
const maxResponseSize = 4 << 20 // 4MB

// Client is a JSON-RPC client bound to a Rotor.
type Client struct {
	rotor      *Rotor
	httpClient *http.Client
}

// New creates a client over the given rotor. A zero timeout selects
// DefaultTimeout.
func New(rotor *Rotor, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		rotor: rotor,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Rotor returns the rotor the client reads its active endpoint from.
func (c *Client) Rotor() *Rotor {
	return c.rotor
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

// rpcErrorBody represents a JSON-RPC error object on the wire.
type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC round-trip against the active endpoint.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	endpoint := c.rotor.Current()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}
	if params == nil {
		req.Params = []interface{}{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, endpoint, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %v: %w", method, endpoint, err, ErrUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: http status %d: %w", method, endpoint, resp.StatusCode, ErrUnavailable)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("%s %s: malformed response: %v: %w", method, endpoint, err, ErrUnavailable)
	}

	if rpcResp.Error != nil {
		// The endpoint answered; the request itself failed.
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s %s: malformed result: %v: %w", method, endpoint, err, ErrUnavailable)
		}
	}

	return nil
}

// Block is the subset of an eth_getBlockByNumber response the pipeline uses.
// All quantities are hex-encoded per the JSON-RPC wire format.
type Block struct {
	Number        string `json:"number"`
	Timestamp     string `json:"timestamp"`
	BaseFeePerGas string `json:"baseFeePerGas"`
}

// Observation converts a fetched block into a GasObservation tagged as live.
// Returns ErrMissingBaseFee when the block predates EIP-1559 fee markets or
// the endpoint omitted the field.
func (b *Block) Observation() (types.GasObservation, error) {
	if b.BaseFeePerGas == "" {
		return types.GasObservation{}, ErrMissingBaseFee
	}

	number, err := hexutil.DecodeUint64(b.Number)
	if err != nil {
		return types.GasObservation{}, fmt.Errorf("decode block number: %w", err)
	}
	ts, err := hexutil.DecodeUint64(b.Timestamp)
	if err != nil {
		return types.GasObservation{}, fmt.Errorf("decode block timestamp: %w", err)
	}
	baseFee, err := hexutil.DecodeBig(b.BaseFeePerGas)
	if err != nil {
		return types.GasObservation{}, fmt.Errorf("decode base fee: %w", err)
	}

	return types.GasObservation{
		Timestamp:   int64(ts),
		BlockNumber: number,
		BaseFeeGwei: WeiToGwei(baseFee),
		Source:      types.SourceLive,
	}, nil
}

// BlockNumber fetches the latest block number via eth_blockNumber.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", nil, &hexNum); err != nil {
		return 0, err
	}
	n, err := hexutil.DecodeUint64(hexNum)
	if err != nil {
		return 0, fmt.Errorf("decode block number: %v: %w", err, ErrUnavailable)
	}
	return n, nil
}

// BlockByNumber fetches block header data for the given block number, without
// full transaction bodies.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	return c.blockByTag(ctx, hexutil.EncodeUint64(number))
}

// LatestBlock fetches header data for the chain head.
func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	return c.blockByTag(ctx, "latest")
}

func (c *Client) blockByTag(ctx context.Context, tag string) (*Block, error) {
	var block *Block
	if err := c.call(ctx, "eth_getBlockByNumber", []interface{}{tag, false}, &block); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %s: null result: %w", tag, ErrUnavailable)
	}
	return block, nil
}

// GasPrice fetches the node's suggested gas price in wei via eth_gasPrice.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var hexPrice string
	if err := c.call(ctx, "eth_gasPrice", nil, &hexPrice); err != nil {
		return nil, err
	}
	price, err := hexutil.DecodeBig(hexPrice)
	if err != nil {
		return nil, fmt.Errorf("decode gas price: %v: %w", err, ErrUnavailable)
	}
	return price, nil
}

// ChainID fetches the chain identifier via eth_chainId.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var hexID string
	if err := c.call(ctx, "eth_chainId", nil, &hexID); err != nil {
		return 0, err
	}
	id, err := hexutil.DecodeUint64(hexID)
	if err != nil {
		return 0, fmt.Errorf("decode chain id: %v: %w", err, ErrUnavailable)
	}
	return id, nil
}

// CallMsg describes a transaction for gas estimation.
type CallMsg struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

// EstimateGas estimates the gas needed for the given call via eth_estimateGas.
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var hexGas string
	if err := c.call(ctx, "eth_estimateGas", []interface{}{msg}, &hexGas); err != nil {
		return 0, err
	}
	gas, err := hexutil.DecodeUint64(hexGas)
	if err != nil {
		return 0, fmt.Errorf("decode gas estimate: %v: %w", err, ErrUnavailable)
	}
	return gas, nil
}

// WeiToGwei converts wei to gwei without losing precision on the integer
// part: the division happens in arbitrary-precision floats before the final
// float64 rounding. 1_000_000_000 wei converts to exactly 1.0.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	gwei, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		big.NewFloat(params.GWei),
	).Float64()
	return gwei
}
