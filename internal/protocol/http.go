package protocol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/faults"
)

// Header names for authenticated protocol messages.
const (
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"
)

// Paths served by Handler.
const (
	PathOpenDispute = "/protocol/disputes"
	PathApplyRuling = "/protocol/rulings"
)

// MaxSkew bounds how old a signed message may be.
const MaxSkew = 5 * time.Minute

const maxBody = 1 << 20

// Sign returns the hex HMAC-SHA256 of "ts.body" under secret.
func Sign(secret []byte, ts int64, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign and the timestamp window.
func Verify(secret []byte, tsHeader, sig string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrBadSignature.Withf("missing or malformed timestamp")
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < -MaxSkew || skew > MaxSkew {
		return ErrBadSignature.Withf("timestamp outside allowed window")
	}
	want := Sign(secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return ErrBadSignature
	}
	return nil
}

// errorBody is the wire form of a *faults.Error.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func encodeError(err error) errorBody {
	b := faults.Body(err)
	return errorBody{Error: b["error"], Message: b["message"], Kind: faults.KindOf(err).String()}
}

// client posts signed JSON to a peer.
type client struct {
	baseURL string
	secret  []byte
	http    *http.Client
	now     func() time.Time
}

func newClient(baseURL, secret string) client {
	return client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

func (c client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	ts := c.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(c.secret, ts, body))

	resp, err := c.http.Do(req)
	if err != nil {
		return ErrTransport.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return ErrTransport.Wrap(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ErrTransport.Wrap(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

// decodeError rebuilds the peer's classified error so callers can match
// it with errors.Is against this package's sentinels.
func decodeError(status int, data []byte) error {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil || eb.Error == "" {
		return ErrTransport.Wrap(fmt.Errorf("peer returned %d", status))
	}
	kind := faults.ParseKind(eb.Kind)
	if kind == faults.KindInternal {
		return ErrTransport.Wrap(errors.New(eb.Message))
	}
	return faults.New(kind, eb.Error, eb.Message)
}

// HTTPArbiter opens disputes on a remote authority.
type HTTPArbiter struct {
	c client
}

// NewHTTPArbiter creates an arbiter client rooted at baseURL (for example
// "https://authority.internal/v1").
func NewHTTPArbiter(baseURL, secret string) *HTTPArbiter {
	return &HTTPArbiter{c: newClient(baseURL, secret)}
}

func (a *HTTPArbiter) Open(ctx context.Context, req OpenDisputeRequest) (OpenDisputeResponse, error) {
	var out OpenDisputeResponse
	if err := a.c.post(ctx, PathOpenDispute, req, &out); err != nil {
		return OpenDisputeResponse{}, err
	}
	if out.DisputeID == 0 {
		return OpenDisputeResponse{}, ErrTransport.Wrap(errors.New("authority returned no dispute id"))
	}
	return out, nil
}

// HTTPRulingReceiver delivers rulings to a remote ledger.
type HTTPRulingReceiver struct {
	c client
}

// NewHTTPRulingReceiver creates a receiver client rooted at baseURL.
func NewHTTPRulingReceiver(baseURL, secret string) *HTTPRulingReceiver {
	return &HTTPRulingReceiver{c: newClient(baseURL, secret)}
}

func (r *HTTPRulingReceiver) ApplyRuling(ctx context.Context, notice RulingNotice) error {
	return r.c.post(ctx, PathApplyRuling, notice, nil)
}
