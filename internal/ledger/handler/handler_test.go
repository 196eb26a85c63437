package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/batchledger/internal/access"
	"github.com/jmerrifield20/batchledger/internal/anchor"
	"github.com/jmerrifield20/batchledger/internal/identity"
	"github.com/jmerrifield20/batchledger/internal/ledger/handler"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
	"github.com/jmerrifield20/batchledger/internal/ledger/repository"
	"github.com/jmerrifield20/batchledger/internal/ledger/service"
	"github.com/jmerrifield20/batchledger/internal/lock"
	"github.com/jmerrifield20/batchledger/internal/query"
)

type testServer struct {
	router *gin.Engine
	store  *tamperStore
	sink   *anchor.MemorySink
}

// tamperStore rewrites one stored event as it is read back. With reads > 0
// only that many reads are rewritten.
type tamperStore struct {
	*repository.MemoryStore

	mu     sync.Mutex
	batch  string
	seq    int64
	mutate func(*model.StageEvent)
	reads  int
}

func (s *tamperStore) Tamper(batchID string, seq int64, reads int, mutate func(*model.StageEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch, s.seq, s.reads, s.mutate = batchID, seq, reads, mutate
}

func (s *tamperStore) Events(ctx context.Context, batchID string, from int64, limit int) ([]model.StageEvent, error) {
	events, err := s.MemoryStore.Events(ctx, batchID, from, limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutate == nil || batchID != s.batch {
		return events, err
	}
	for i := range events {
		if events[i].Sequence == s.seq {
			s.mutate(&events[i])
			if s.reads > 0 {
				if s.reads--; s.reads == 0 {
					s.mutate = nil
				}
			}
		}
	}
	return events, err
}

func setupRouter(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := identity.LoadStatic([]identity.ActorConfig{
		{ID: "F1", Roles: []string{"farmer"}},
		{ID: "P1", Roles: []string{"facility"}},
		{ID: "L1", Roles: []string{"laboratory"}},
		{ID: "D1", Roles: []string{"distributor"}},
		{ID: "R1", Roles: []string{"regulator"}},
		{ID: "C1", Roles: []string{"consumer"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	store := &tamperStore{MemoryStore: repository.NewMemoryStore()}
	logger := zap.NewNop()
	rec := service.NewRecorder(store, access.NewController(reg), lock.NewMemory(), service.Config{}, logger)
	proj := query.NewProjector(store, 0, logger)
	sink := anchor.NewMemorySink()
	pub := anchor.NewPublisher(store, store, sink, anchor.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond}, logger)

	r := gin.New()
	r.Use(identity.ResolvePrincipal(nil, true))
	r.GET("/metrics", handler.MetricsHandler())
	v1 := r.Group("/api/v1")
	handler.NewBatchHandler(rec, proj, reg, logger).Register(v1)
	handler.NewAnchorHandler(proj, pub, reg, logger).Register(v1)
	return &testServer{router: r, store: store, sink: sink}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(identity.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	e, _ := decode(t, w)["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (s *testServer) create(t *testing.T, id string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/batches", "F1", gin.H{"batch_id": id, "product": "tulsi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)["head_hash"].(string)
}

func (s *testServer) step(t *testing.T, id, actor, role, stage, sub, head string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body := gin.H{"role": role, "proposed_stage": stage, "expected_head_hash": head}
	if sub != "" {
		body["sub_stage"] = sub
	}
	if payload != nil {
		body["payload"] = payload
	}
	return s.do(t, http.MethodPost, "/api/v1/batches/"+id+"/events", actor, body)
}

func (s *testServer) mustStep(t *testing.T, id, actor, role, stage, sub, head string, payload any) string {
	t.Helper()
	w := s.step(t, id, actor, role, stage, sub, head, payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("%s -> %s: expected 201, got %d: %s", role, stage, w.Code, w.Body.String())
	}
	return decode(t, w)["head_hash"].(string)
}

func TestCreateBatch(t *testing.T) {
	s := setupRouter(t)

	w := s.do(t, http.MethodPost, "/api/v1/batches", "F1", gin.H{"batch_id": "B001", "product": "tulsi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["sequence_number"].(float64) != 0 || len(resp["head_hash"].(string)) != 64 {
		t.Errorf("unexpected genesis response %v", resp)
	}

	tests := []struct {
		name     string
		actor    string
		body     any
		wantCode int
		wantErr  string
	}{
		{"anonymous", "", gin.H{"product": "tulsi"}, http.StatusUnauthorized, "unauthenticated"},
		{"facility", "P1", gin.H{"product": "tulsi", "role": "facility"}, http.StatusForbidden, model.CodeTransitionNotAllowed},
		{"unknown actor", "ghost", gin.H{"product": "tulsi"}, http.StatusForbidden, model.CodeUnknownActor},
		{"missing product", "F1", gin.H{"batch_id": "B002"}, http.StatusBadRequest, model.CodeValidation},
		{"duplicate", "F1", gin.H{"batch_id": "B001", "product": "tulsi"}, http.StatusBadRequest, model.CodeValidation},
		{"malformed", "F1", `{"product":`, http.StatusBadRequest, model.CodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/batches", tc.actor, tc.body)
			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, w.Code, w.Body.String())
			}
			if got := errorCode(t, w); got != tc.wantErr {
				t.Errorf("error code: got %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestAppendEvent_lifecycle(t *testing.T) {
	s := setupRouter(t)
	head := s.create(t, "B001")

	head = s.mustStep(t, "B001", "F1", "farmer", "harvested", "", head, gin.H{"gps": "12.9,77.6"})
	head = s.mustStep(t, "B001", "P1", "facility", "processing", "drying", head, nil)
	head = s.mustStep(t, "B001", "P1", "facility", "processing", "grinding", head, nil)
	head = s.mustStep(t, "B001", "L1", "laboratory", "quality_testing", "dna", head, nil)

	w := s.step(t, "B001", "L1", "laboratory", "distribution", "", head, gin.H{"result": "fail"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("release without pass: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	head = s.mustStep(t, "B001", "L1", "laboratory", "distribution", "", head, gin.H{"result": "pass"})
	head = s.mustStep(t, "B001", "D1", "distributor", "delivered", "", head, nil)

	w = s.step(t, "B001", "R1", "regulator", "rejected", "", head, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != model.CodeTerminalState {
		t.Fatalf("expected 409 terminal_state, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/api/v1/batches/B001", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	b := decode(t, w)
	if b["current_stage"] != "delivered" || b["sequence_number"].(float64) != 6 {
		t.Errorf("unexpected batch %v", b)
	}
}

func TestAppendEvent_errors(t *testing.T) {
	s := setupRouter(t)
	genesis := s.create(t, "B001")
	head := s.mustStep(t, "B001", "F1", "farmer", "harvested", "", genesis, nil)

	w := s.step(t, "B001", "P1", "facility", "processing", "", genesis, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != model.CodeStaleHead {
		t.Fatalf("stale: expected 409 stale_head, got %d: %s", w.Code, w.Body.String())
	}
	e := decode(t, w)["error"].(map[string]any)
	if e["current_head_hash"] != head || e["retryable"] != true {
		t.Errorf("stale response should carry current head, got %v", e)
	}

	tests := []struct {
		name     string
		actor    string
		role     string
		stage    string
		wantCode int
		wantErr  string
	}{
		{"skip", "L1", "laboratory", "quality_testing", http.StatusUnprocessableEntity, model.CodeInvalidTransition},
		{"backward", "F1", "farmer", "created", http.StatusUnprocessableEntity, model.CodeInvalidTransition},
		{"consumer", "C1", "consumer", "processing", http.StatusUnprocessableEntity, model.CodeInvalidTransition},
		{"wrong role", "F1", "farmer", "processing", http.StatusForbidden, model.CodeTransitionNotAllowed},
		{"role not held", "F1", "facility", "processing", http.StatusForbidden, model.CodeRoleMismatch},
		{"unknown stage", "P1", "facility", "Teleported", http.StatusUnprocessableEntity, model.CodeInvalidTransition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := s.step(t, "B001", tc.actor, tc.role, tc.stage, "", head, nil)
			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, w.Code, w.Body.String())
			}
			if got := errorCode(t, w); got != tc.wantErr {
				t.Errorf("error code: got %q, want %q", got, tc.wantErr)
			}
		})
	}

	w = s.do(t, http.MethodPost, "/api/v1/batches/B001/events", "P1", gin.H{"role": "facility"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: expected 400, got %d", w.Code)
	}
	w = s.step(t, "NOPE", "P1", "facility", "processing", "", head, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown batch: expected 404, got %d", w.Code)
	}

	// Nothing above moved the batch.
	got := decode(t, s.do(t, http.MethodGet, "/api/v1/batches/B001", "", nil))
	if got["head_hash"] != head || got["sequence_number"].(float64) != 1 {
		t.Errorf("rejected appends mutated the batch: %v", got)
	}
}

func TestHistory_paging(t *testing.T) {
	s := setupRouter(t)
	head := s.create(t, "B001")
	head = s.mustStep(t, "B001", "F1", "farmer", "harvested", "", head, nil)
	for _, sub := range []string{"drying", "grinding", "packaging"} {
		head = s.mustStep(t, "B001", "P1", "facility", "processing", sub, head, nil)
	}

	w := s.do(t, http.MethodGet, "/api/v1/batches/B001/history?from=1&limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	events := resp["events"].([]any)
	if len(events) != 2 || events[0].(map[string]any)["sequence_number"].(float64) != 1 {
		t.Errorf("unexpected page %v", events)
	}
	if resp["next_from"].(float64) != 3 {
		t.Errorf("next_from: got %v, want 3", resp["next_from"])
	}

	resp = decode(t, s.do(t, http.MethodGet, "/api/v1/batches/B001/history?from=3&limit=10", "", nil))
	if len(resp["events"].([]any)) != 2 || resp["next_from"] != nil {
		t.Errorf("last page: %v", resp)
	}

	for _, q := range []string{"from=-1", "from=x", "limit=0", "limit=100000"} {
		if w := s.do(t, http.MethodGet, "/api/v1/batches/B001/history?"+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
	if w := s.do(t, http.MethodGet, "/api/v1/batches/NOPE/history", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown batch: expected 404, got %d", w.Code)
	}
}

func TestVerify(t *testing.T) {
	s := setupRouter(t)
	head := s.create(t, "B001")
	head = s.mustStep(t, "B001", "F1", "farmer", "harvested", "", head, gin.H{"kg": 40})
	head = s.mustStep(t, "B001", "P1", "facility", "processing", "", head, nil)

	w := s.do(t, http.MethodGet, "/api/v1/batches/B001/verify", "", nil)
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Fatalf("expected valid chain, got %d: %s", w.Code, w.Body.String())
	}

	s.store.Tamper("B001", 1, 0, func(e *model.StageEvent) { e.Payload = json.RawMessage(`{"kg":400}`) })

	w = s.do(t, http.MethodGet, "/api/v1/batches/B001/verify", "F1", nil)
	if w.Code != http.StatusInternalServerError || errorCode(t, w) != model.CodeChainIntegrity {
		t.Fatalf("expected 500 chain_integrity, got %d: %s", w.Code, w.Body.String())
	}
	if _, leaked := decode(t, w)["error"].(map[string]any)["broken_at"]; leaked {
		t.Error("integrity details must not reach non-regulators")
	}

	w = s.do(t, http.MethodGet, "/api/v1/batches/B001/verify", "R1", nil)
	e := decode(t, w)["error"].(map[string]any)
	if e["broken_at"].(float64) != 1 {
		t.Errorf("regulator should see broken_at=1, got %v", e)
	}

	// The failed check quarantined the batch.
	w = s.step(t, "B001", "L1", "laboratory", "quality_testing", "", head, nil)
	if w.Code != http.StatusInternalServerError || errorCode(t, w) != model.CodeChainIntegrity {
		t.Errorf("append to quarantined batch: expected 500 chain_integrity, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVerify_transientFailureNotQuarantined(t *testing.T) {
	s := setupRouter(t)
	head := s.create(t, "B001")
	head = s.mustStep(t, "B001", "F1", "farmer", "harvested", "", head, gin.H{"kg": 40})

	// Only the first read is corrupt; the re-check under the batch lock is clean.
	s.store.Tamper("B001", 1, 1, func(e *model.StageEvent) { e.ActorID = "mallory" })

	w := s.do(t, http.MethodGet, "/api/v1/batches/B001/verify", "", nil)
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Fatalf("expected valid after re-check, got %d: %s", w.Code, w.Body.String())
	}
	b, err := s.store.GetBatch(context.Background(), "B001")
	if err != nil {
		t.Fatal(err)
	}
	if b.Quarantined {
		t.Error("batch quarantined on an unconfirmed failure")
	}
	s.mustStep(t, "B001", "P1", "facility", "processing", "", head, nil)
}

func TestListBatchesAndSummaries(t *testing.T) {
	s := setupRouter(t)
	for _, id := range []string{"A1", "A2", "A3"} {
		s.create(t, id)
	}
	head := decode(t, s.do(t, http.MethodGet, "/api/v1/batches/A2", "", nil))["head_hash"].(string)
	s.mustStep(t, "A2", "F1", "farmer", "harvested", "", head, nil)

	resp := decode(t, s.do(t, http.MethodGet, "/api/v1/batches?stage=created", "", nil))
	if resp["count"].(float64) != 2 {
		t.Errorf("expected 2 Created batches, got %v", resp["count"])
	}
	resp = decode(t, s.do(t, http.MethodGet, "/api/v1/batches?origin=F1&limit=1&offset=1", "", nil))
	if resp["count"].(float64) != 1 || resp["batches"].([]any)[0].(map[string]any)["batch_id"] != "A2" {
		t.Errorf("unexpected page %v", resp)
	}
	resp = decode(t, s.do(t, http.MethodGet, "/api/v1/batches?product=ginger", "", nil))
	if resp["count"].(float64) != 0 || resp["batches"] == nil {
		t.Errorf("expected empty list, got %v", resp)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/batches?stage=Teleported", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown stage: expected 400, got %d", w.Code)
	}

	sum := decode(t, s.do(t, http.MethodGet, "/api/v1/summaries?product=tulsi", "", nil))
	byStage := sum["by_stage"].(map[string]any)
	if sum["total"].(float64) != 3 || byStage["created"].(float64) != 2 || byStage["harvested"].(float64) != 1 {
		t.Errorf("unexpected summary %v", sum)
	}
}

func TestAnchors(t *testing.T) {
	s := setupRouter(t)
	s.create(t, "B001")
	s.create(t, "B002")

	w := s.do(t, http.MethodPost, "/api/v1/anchors/publish", "F1", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("farmer publish: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/api/v1/anchors/publish", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous publish: expected 401, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/anchors/publish", "R1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	receipt := decode(t, w)["receipt"].(map[string]any)
	anchorID := receipt["anchor_id"].(string)

	w = s.do(t, http.MethodPost, "/api/v1/anchors/publish", "R1", nil)
	if w.Code != http.StatusOK || decode(t, w)["anchored"] != false {
		t.Fatalf("idle publish: expected 200 anchored=false, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode(t, s.do(t, http.MethodGet, "/api/v1/anchors?status=pending", "", nil))
	if resp["count"].(float64) != 1 {
		t.Errorf("expected one pending anchor, got %v", resp)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/anchors?status=lost", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/anchors/"+anchorID, "", nil); w.Code != http.StatusOK {
		t.Errorf("get anchor: expected 200, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/anchors/nope", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown anchor: expected 404, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/anchors/"+anchorID+"/proof/B002", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var proof anchor.InclusionProof
	if err := json.Unmarshal(w.Body.Bytes(), &proof); err != nil {
		t.Fatal(err)
	}
	if !anchor.VerifyProof(proof.Leaf, proof.MerkleRoot, proof.Path) {
		t.Error("returned proof does not verify")
	}
	if w := s.do(t, http.MethodGet, "/api/v1/anchors/"+anchorID+"/proof/B999", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("uncovered batch: expected 404, got %d", w.Code)
	}
}

func TestAnchors_sinkUnavailable(t *testing.T) {
	s := setupRouter(t)
	s.create(t, "B001")
	s.sink.FailNext(5)

	w := s.do(t, http.MethodPost, "/api/v1/anchors/publish", "R1", nil)
	if w.Code != http.StatusServiceUnavailable || errorCode(t, w) != model.CodeSinkUnavailable {
		t.Fatalf("expected 503 sink_unavailable, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, s.do(t, http.MethodGet, "/api/v1/anchors", "", nil))
	if resp["count"].(float64) != 0 {
		t.Errorf("failed publish must not store a receipt, got %v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupRouter(t)
	head := s.create(t, "B001")
	s.step(t, "B001", "P1", "facility", "processing", "", head, nil)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"ledger_appends_total", "ledger_batches_created_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := send("10.0.0.1"); w.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", w.Code)
	}
	w := send("10.0.0.1")
	if w.Code != http.StatusTooManyRequests || errorCode(t, w) != "rate_limited" {
		t.Fatalf("second request: expected 429 rate_limited, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if w := send("10.0.0.2"); w.Code != http.StatusNoContent {
		t.Errorf("other client: expected 204, got %d", w.Code)
	}
}

func TestRecordDependencyCheck(t *testing.T) {
	handler.RecordDependencyCheck("redis", false)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", handler.MetricsHandler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `ledger_dependency_up{dependency="redis"} 0`) {
		t.Error("expected ledger_dependency_up gauge for redis")
	}
}
