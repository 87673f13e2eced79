package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/arbitration"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/retry"
)

// Config holds the endpoints the tools read from.
type Config struct {
	APIURL       string // ledger service, e.g. "http://localhost:8080"
	AuthorityURL string // arbitration authority; empty means APIURL
	Timeout      time.Duration
}

// Client is a read-only HTTP client for the escrow and arbitration APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a new client. Requests are retried with
// retry.Default since every call is an idempotent read.
func NewClient(cfg Config) *Client {
	if cfg.AuthorityURL == "" {
		cfg.AuthorityURL = cfg.APIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     retry.Default,
	}
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// do sends one request and decodes the JSON response into out. 5xx
// responses and transport errors are retried; 4xx are not.
func (c *Client) do(ctx context.Context, method, base, path string, query url.Values, body, out any) error {
	u, err := url.Parse(base + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode}
			if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = string(respBody)
			}
			if resp.StatusCode < 500 {
				return retry.Permanent(apiErr)
			}
			return apiErr
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// GetEscrow fetches one escrow record.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (*escrow.Record, error) {
	var resp struct {
		Escrow *escrow.Record `json:"escrow"`
	}
	if err := c.do(ctx, http.MethodGet, c.cfg.APIURL, "/v1/escrow/"+strconv.FormatUint(id, 10), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Escrow == nil {
		return nil, errors.New("response has no escrow")
	}
	return resp.Escrow, nil
}

// ListEscrows lists the escrows a party holds or provides.
func (c *Client) ListEscrows(ctx context.Context, party common.Address, offset, limit int) (pagination.Result[*escrow.Record], error) {
	var resp pagination.Result[*escrow.Record]
	err := c.do(ctx, http.MethodGet, c.cfg.APIURL, "/v1/parties/"+party.Hex()+"/escrows", pageQuery(offset, limit), nil, &resp)
	return resp, err
}

// EstimateCosts quotes the fees for unsigned terms.
func (c *Client) EstimateCosts(ctx context.Context, a agreement.Agreement) (fees.CostEstimate, error) {
	var resp struct {
		Estimate fees.CostEstimate `json:"estimate"`
	}
	err := c.do(ctx, http.MethodPost, c.cfg.APIURL, "/v1/escrow/estimate", nil, a, &resp)
	return resp.Estimate, err
}

// GetDispute fetches one dispute from the authority.
func (c *Client) GetDispute(ctx context.Context, id uint64) (*arbitration.Dispute, error) {
	var resp struct {
		Dispute *arbitration.Dispute `json:"dispute"`
	}
	if err := c.do(ctx, http.MethodGet, c.cfg.AuthorityURL, "/v1/arbitration/disputes/"+strconv.FormatUint(id, 10), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Dispute == nil {
		return nil, errors.New("response has no dispute")
	}
	return resp.Dispute, nil
}

// ListActiveDisputes pages through unresolved disputes.
func (c *Client) ListActiveDisputes(ctx context.Context, offset, limit int) (pagination.Result[*arbitration.Dispute], error) {
	var resp pagination.Result[*arbitration.Dispute]
	err := c.do(ctx, http.MethodGet, c.cfg.AuthorityURL, "/v1/arbitration/disputes", pageQuery(offset, limit), nil, &resp)
	return resp, err
}

// GetReputation fetches a wallet's score.
func (c *Client) GetReputation(ctx context.Context, wallet common.Address) (reputation.Score, error) {
	var resp struct {
		Reputation reputation.Score `json:"reputation"`
	}
	err := c.do(ctx, http.MethodGet, c.cfg.APIURL, "/v1/reputation/"+wallet.Hex(), nil, nil, &resp)
	return resp.Reputation, err
}

func pageQuery(offset, limit int) url.Values {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}
