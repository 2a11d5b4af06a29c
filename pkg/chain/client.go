package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
)

// Transaction is the subset of an RPC transaction object we inspect.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Input       string `json:"input"`
	BlockNumber string `json:"blockNumber"`
}

type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	Logs            []Log  `json:"logs"`
}

// Client is the narrow RPC surface the gateway needs. Tests substitute
// a fake; production uses the HTTP JSON-RPC client below.
type Client interface {
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
	SendTransaction(ctx context.Context, from string, to string, value *big.Int, data string) (string, error)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type HTTPClient struct {
	url    string
	http   *http.Client
	nextID uint64
}

func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{
		url:  url,
		http: &http.Client{},
	}
}

func (c *HTTPClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	decoded := rpcResponse{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if string(decoded.Result) == "null" {
		return ErrNotFound
	}

	return json.Unmarshal(decoded.Result, result)
}

func (c *HTTPClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	tx := Transaction{}
	err := c.call(ctx, "eth_getTransactionByHash", &tx, hash)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *HTTPClient) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	receipt := Receipt{}
	err := c.call(ctx, "eth_getTransactionReceipt", &receipt, hash)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *HTTPClient) SendTransaction(ctx context.Context, from string, to string, value *big.Int, data string) (string, error) {
	params := map[string]string{
		"from": from,
		"to":   to,
		"data": data,
	}
	if value != nil && value.Sign() > 0 {
		params["value"] = "0x" + value.Text(16)
	}

	var hash string
	err := c.call(ctx, "eth_sendTransaction", &hash, params)
	return hash, err
}

// HexToBig parses an 0x-prefixed quantity. Malformed input yields
// zero, which fails any minimum-value comparison.
func HexToBig(value string) *big.Int {
	parsed, ok := new(big.Int).SetString(strings.TrimPrefix(value, "0x"), 16)
	if !ok {
		return new(big.Int)
	}
	return parsed
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

// TopicAddress extracts the address packed into a 32-byte log topic.
func TopicAddress(topic string) string {
	trimmed := strings.TrimPrefix(topic, "0x")
	if len(trimmed) < 40 {
		return ""
	}
	return "0x" + trimmed[len(trimmed)-40:]
}
