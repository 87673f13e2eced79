package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/retry"
)

// HTTPBridge talks to a bridging service over JSON/HTTP.
//
//	POST {base}/v1/estimate {dstNetworkId, amount, adapterParams} -> {nativeFee, auxFee}
//	POST {base}/v1/send     {reference, dstNetworkId, recipient, amount, fee, adapterParams} -> {id, sentAt}
//
// Amounts travel as base-unit decimal strings. Estimates are retried with
// backoff; sends are attempted once. A breaker per destination network
// stops calls to a network that keeps failing.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewHTTPBridge creates a client for baseURL.
func NewHTTPBridge(baseURL string, breaker *circuitbreaker.Breaker) *HTTPBridge {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPBridge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		policy:  retry.Default,
	}
}

type estimateRequest struct {
	DstNetworkID  uint32        `json:"dstNetworkId"`
	Amount        string        `json:"amount"`
	AdapterParams hexutil.Bytes `json:"adapterParams"`
}

type estimateResponse struct {
	NativeFee string `json:"nativeFee"`
	AuxFee    string `json:"auxFee"`
}

type sendRequest struct {
	Reference     string        `json:"reference"`
	DstNetworkID  uint32        `json:"dstNetworkId"`
	Recipient     string        `json:"recipient"`
	Amount        string        `json:"amount"`
	Fee           string        `json:"fee"`
	AdapterParams hexutil.Bytes `json:"adapterParams"`
}

type sendResponse struct {
	ID     string    `json:"id"`
	SentAt time.Time `json:"sentAt"`
}

// statusError is a non-2xx response. 4xx responses are not retried and do
// not count against the breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("bridge returned %d: %s", e.code, e.body) }

func isServerFault(err error) bool {
	se, ok := err.(*statusError)
	return !ok || se.code >= 500
}

func breakerKey(dst uint32) string { return "bridge-net-" + strconv.FormatUint(uint64(dst), 10) }

func (h *HTTPBridge) EstimateFee(ctx context.Context, dst uint32, amount *big.Int, params []byte) (*big.Int, *big.Int, error) {
	var resp estimateResponse
	err := retry.Do(ctx, h.policy, func(ctx context.Context) error {
		err := h.breaker.Execute(breakerKey(dst), func() error {
			return h.post(ctx, "/v1/estimate", estimateRequest{DstNetworkID: dst, Amount: amount.String(), AdapterParams: params}, &resp)
		}, isServerFault)
		if err == circuitbreaker.ErrOpen || !isServerFault(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	native, ok := new(big.Int).SetString(resp.NativeFee, 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid nativeFee %q", resp.NativeFee)
	}
	aux := new(big.Int)
	if resp.AuxFee != "" {
		if _, ok := aux.SetString(resp.AuxFee, 10); !ok {
			return nil, nil, fmt.Errorf("invalid auxFee %q", resp.AuxFee)
		}
	}
	return native, aux, nil
}

func (h *HTTPBridge) Send(ctx context.Context, req Request) (Receipt, error) {
	fee := "0"
	if req.Fee != nil {
		fee = req.Fee.String()
	}
	var resp sendResponse
	err := h.breaker.Execute(breakerKey(req.DstNetworkID), func() error {
		return h.post(ctx, "/v1/send", sendRequest{
			Reference:     req.Reference,
			DstNetworkID:  req.DstNetworkID,
			Recipient:     req.Recipient.Hex(),
			Amount:        req.Amount.String(),
			Fee:           fee,
			AdapterParams: req.AdapterParams,
		}, &resp)
	}, isServerFault)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		ID:           resp.ID,
		Reference:    req.Reference,
		DstNetworkID: req.DstNetworkID,
		Amount:       new(big.Int).Set(req.Amount),
		SentAt:       resp.SentAt,
	}, nil
}

func (h *HTTPBridge) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(data)}
	}
	return json.Unmarshal(data, out)
}
