package client

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
	"strings"
	"time"
)

// Error codes returned by the ledger API.
const (
	CodeValidation        = "validation_error"
	CodeInvalidTransition = "invalid_transition"
	CodeStaleHead         = "stale_head"
	CodeTerminalState     = "terminal_state"
	CodeChainIntegrity    = "chain_integrity"
	CodeSinkUnavailable   = "sink_unavailable"
	CodeLockTimeout       = "lock_timeout"
	CodeNotFound          = "not_found"
)

// ActorHeader identifies the caller against development deployments.
const ActorHeader = "X-Actor-ID"

// APIError is a structured error response from the ledger.
type APIError struct {
	Status          int    `json:"-"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Reason          string `json:"reason,omitempty"`
	Retryable       bool   `json:"retryable,omitempty"`
	CurrentHeadHash string `json:"current_head_hash,omitempty"`
	Sequence        int64  `json:"sequence_number,omitempty"`
	BrokenAt        *int64 `json:"broken_at,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Batch is a batch head record.
type Batch struct {
	ID            string    `json:"batch_id"`
	Product       string    `json:"product"`
	OriginActorID string    `json:"origin_actor_id"`
	CurrentStage  string    `json:"current_stage"`
	SubStage      string    `json:"sub_stage,omitempty"`
	HeadHash      string    `json:"head_hash"`
	Sequence      int64     `json:"sequence_number"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Quarantined   bool      `json:"quarantined,omitempty"`
}

// Event is one stage event in a batch history.
type Event struct {
	BatchID     string          `json:"batch_id"`
	Sequence    int64           `json:"sequence_number"`
	ActorID     string          `json:"actor_id"`
	Role        string          `json:"role"`
	Stage       string          `json:"stage"`
	SubStage    string          `json:"sub_stage,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CreateRequest opens a batch.
type CreateRequest struct {
	BatchID string          `json:"batch_id,omitempty"`
	Product string          `json:"product"`
	Role    string          `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateResult is the new batch and its genesis event.
type CreateResult struct {
	Batch    Batch  `json:"batch"`
	HeadHash string `json:"head_hash"`
	Sequence int64  `json:"sequence_number"`
	Event    Event  `json:"event"`
}

// AppendRequest proposes the next stage event.
type AppendRequest struct {
	Role             string          `json:"role"`
	ProposedStage    string          `json:"proposed_stage"`
	SubStage         string          `json:"sub_stage,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ExpectedHeadHash string          `json:"expected_head_hash"`
}

// AppendResult is the new head after an append.
type AppendResult struct {
	HeadHash string `json:"head_hash"`
	Sequence int64  `json:"sequence_number"`
	Event    Event  `json:"event"`
}

// HistoryPage is one page of a batch history.
type HistoryPage struct {
	BatchID  string  `json:"batch_id"`
	Events   []Event `json:"events"`
	NextFrom *int64  `json:"next_from,omitempty"`
}

// IntegrityReport is the result of a successful verification.
type IntegrityReport struct {
	BatchID  string `json:"batch_id"`
	Valid    bool   `json:"valid"`
	HeadHash string `json:"head_hash"`
	Events   int    `json:"events"`
}

// Filter narrows batch listings and summaries.
type Filter struct {
	Stage   string
	Product string
	Origin  string
	Limit   int
	Offset  int
}

// Summary counts batches per stage.
type Summary struct {
	Total   int            `json:"total"`
	ByStage map[string]int `json:"by_stage"`
}

// Receipt is an anchor receipt.
type Receipt struct {
	AnchorID          string            `json:"anchor_id"`
	DigestsCovered    map[string]string `json:"digests_covered"`
	MerkleRoot        string            `json:"merkle_root"`
	Sink              string            `json:"sink"`
	ExternalReference string            `json:"external_reference"`
	Status            string            `json:"status"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
}

// ProofStep is one sibling on a Merkle path.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof is a Merkle inclusion proof of a batch head in an anchor.
type Proof struct {
	AnchorID          string      `json:"anchor_id"`
	BatchID           string      `json:"batch_id"`
	HeadHash          string      `json:"head_hash"`
	Leaf              string      `json:"leaf"`
	Path              []ProofStep `json:"path"`
	MerkleRoot        string      `json:"merkle_root"`
	Sink              string      `json:"sink"`
	ExternalReference string      `json:"external_reference"`
	Status            string      `json:"status"`
}

// Client talks to one ledger instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	actorID     string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a session token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithActorID sends the actor header on every request. Only development
// deployments trust it.
func WithActorID(actorID string) Option {
	return func(c *Client) error {
		c.actorID = actorID
		return nil
	}
}

// New creates a Client for the ledger at base.
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CreateBatch opens a batch.
func (c *Client) CreateBatch(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var out CreateResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEvent proposes the next stage event for batchID.
func (c *Client) AppendEvent(ctx context.Context, batchID string, req AppendRequest) (*AppendResult, error) {
	var out AppendResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(batchID)+"/events", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Advance reads the current head and appends req on top of it, retrying on
// stale heads up to attempts times. req.ExpectedHeadHash is ignored.
func (c *Client) Advance(ctx context.Context, batchID string, req AppendRequest, attempts int) (*AppendResult, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		b, err := c.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		req.ExpectedHeadHash = b.HeadHash
		res, err := c.AppendEvent(ctx, batchID, req)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || apiErr.Code != CodeStaleHead {
			return res, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// GetBatch returns the current head record of batchID.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var out Batch
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns up to limit events of batchID starting at sequence from.
func (c *Client) History(ctx context.Context, batchID string, from int64, limit int) (*HistoryPage, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out HistoryPage
	path := "/api/v1/batches/" + url.PathEscape(batchID) + "/history?" + q.Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify re-walks the chain of batchID on the server. A broken chain is
// returned as an *APIError with code chain_integrity.
func (c *Client) Verify(ctx context.Context, batchID string) (*IntegrityReport, error) {
	var out IntegrityReport
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(batchID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBatches returns batches matching f.
func (c *Client) ListBatches(ctx context.Context, f Filter) ([]Batch, error) {
	var out struct {
		Batches []Batch `json:"batches"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/batches?"+f.values().Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Batches, nil
}

// Summaries returns batch counts per stage for batches matching f.
func (c *Client) Summaries(ctx context.Context, f Filter) (*Summary, error) {
	f.Stage, f.Limit, f.Offset = "", 0, 0
	var out Summary
	if err := c.call(ctx, http.MethodGet, "/api/v1/summaries?"+f.values().Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Anchors lists anchor receipts, newest first. An empty status lists all.
func (c *Client) Anchors(ctx context.Context, status string, limit int) ([]Receipt, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Anchors []Receipt `json:"anchors"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/anchors?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Anchors, nil
}

// Anchor returns one anchor receipt.
func (c *Client) Anchor(ctx context.Context, anchorID string) (*Receipt, error) {
	var out Receipt
	if err := c.call(ctx, http.MethodGet, "/api/v1/anchors/"+url.PathEscape(anchorID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Proof returns the inclusion proof of batchID's head in an anchor.
func (c *Client) Proof(ctx context.Context, anchorID, batchID string) (*Proof, error) {
	var out Proof
	path := "/api/v1/anchors/" + url.PathEscape(anchorID) + "/proof/" + url.PathEscape(batchID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Publish asks the server to anchor changed heads now. It returns nil when
// nothing changed. Regulator only.
func (c *Client) Publish(ctx context.Context) (*Receipt, error) {
	var out struct {
		Anchored bool     `json:"anchored"`
		Receipt  *Receipt `json:"receipt"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/anchors/publish", nil, &out); err != nil {
		return nil, err
	}
	return out.Receipt, nil
}

func (f Filter) values() url.Values {
	q := url.Values{}
	if f.Stage != "" {
		q.Set("stage", f.Stage)
	}
	if f.Product != "" {
		q.Set("product", f.Product)
	}
	if f.Origin != "" {
		q.Set("origin", f.Origin)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

// call sends a JSON request and decodes a 2xx response into out. Other
// statuses become *APIError.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.actorID != "" {
		req.Header.Set(ActorHeader, c.actorID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			envelope.Error.Status = resp.StatusCode
			return envelope.Error
		}
		return &APIError{Status: resp.StatusCode, Code: "http_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
