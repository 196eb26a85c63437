package anchor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// SignatureHeader carries the HMAC of the request body when a secret is set.
const SignatureHeader = "X-Ledger-Signature"

// HTTPConfig configures an HTTPSink.
type HTTPConfig struct {
	Endpoint string        `mapstructure:"endpoint"` // base URL of the attestation API
	Secret   string        `mapstructure:"secret"`   // optional HMAC secret
	Timeout  time.Duration `mapstructure:"timeout"`
	RPS      float64       `mapstructure:"rps"` // outbound request pacing; 0 = unpaced
}

// HTTPSink talks to a generic notarization API:
//
//	POST {endpoint}/commitments        body DigestSet → {"reference": "..."}
//	GET  {endpoint}/commitments/{ref}  → {"status": "pending|confirmed"}
type HTTPSink struct {
	endpoint   string
	secret     []byte
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPSink creates an HTTPSink.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http sink: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &HTTPSink{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}, nil
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return "http" }

// Commit implements Sink.
func (s *HTTPSink) Commit(ctx context.Context, set model.DigestSet) (string, error) {
	body, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("marshal digest set: %w", err)
	}
	var out struct {
		Reference string `json:"reference"`
	}
	status, err := s.do(ctx, http.MethodPost, s.endpoint+"/commitments", body, &out)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("http sink: commit returned HTTP %d", status)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("http sink: commit response has no reference")
	}
	return out.Reference, nil
}

// FetchReceipt implements Sink.
func (s *HTTPSink) FetchReceipt(ctx context.Context, reference string) (model.ReceiptStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	status, err := s.do(ctx, http.MethodGet, s.endpoint+"/commitments/"+url.PathEscape(reference), nil, &out)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusNotFound:
		return model.ReceiptUnknown, nil
	case status < 200 || status >= 300:
		return "", fmt.Errorf("http sink: fetch returned HTTP %d", status)
	}
	switch model.ReceiptStatus(out.Status) {
	case model.ReceiptConfirmed:
		return model.ReceiptConfirmed, nil
	case model.ReceiptPending:
		return model.ReceiptPending, nil
	default:
		return model.ReceiptUnknown, nil
	}
}

func (s *HTTPSink) do(ctx context.Context, method, u string, body []byte, out any) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if len(s.secret) > 0 {
			req.Header.Set(SignatureHeader, signPayload(body, s.secret))
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http sink: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("http sink: read body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("http sink: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
