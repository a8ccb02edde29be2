package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/internal/apikey"
	"github.com/mcpgate/mcpgate/internal/loadbalancer"
	"github.com/mcpgate/mcpgate/internal/manager"
	"github.com/mcpgate/mcpgate/internal/policy"
	"github.com/mcpgate/mcpgate/internal/ratelimit"
	"github.com/mcpgate/mcpgate/internal/resourcelimit"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/wrapper"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()

	balancer := loadbalancer.New()
	w := wrapper.New(wrapper.Options{
		Transports: transport.NewRegistry(),
		Balancer:   balancer,
		Policy:     policy.NewInternalDecider(),
		RateLimiter: ratelimit.New(ratelimit.NewMemoryStore(), map[string]ratelimit.Policy{
			"default": {Algorithm: ratelimit.AlgorithmTokenBucket, Limit: 60, Window: time.Minute, Burst: 10},
		}),
		ResourceLimits: resourcelimit.New(0, 100),
	})
	mgr := manager.New(w, balancer)
	decider := policy.NewInternalDecider()

	return New(Options{
		Wrapper:        w,
		Balancer:       balancer,
		Manager:        mgr,
		Keys:           apikey.New(apikey.NewMemoryRepository()),
		Policy:         decider,
		ResourceLimits: resourcelimit.New(0, 100),
	})
}

func TestHandleUpstreams_EmptyList(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest("GET", "/api/upstreams", nil)
	rr := httptest.NewRecorder()

	a.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var out []loadbalancer.Candidate
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty list, got %d", len(out))
	}
}

func TestHandleUpstreams_RegisterAndGet(t *testing.T) {
	a := newTestAPI(t)

	body, _ := json.Marshal(map[string]any{
		"id":       "upstream-a",
		"name":     "Upstream A",
		"endpoint": "http://localhost:9000",
	})
	req := httptest.NewRequest("POST", "/api/upstreams", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)

	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	getReq := httptest.NewRequest("GET", "/api/upstreams/upstream-a", nil)
	getRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(getRR, getReq)

	if getRR.Code != 200 {
		t.Fatalf("expected 200 on lookup, got %d: %s", getRR.Code, getRR.Body.String())
	}
}

func TestHandleUpstreamByID_NotFound(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest("GET", "/api/upstreams/does-not-exist", nil)
	rr := httptest.NewRecorder()

	a.Handler().ServeHTTP(rr, req)

	if rr.Code != 404 {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestHandleKeys_IssueAndList(t *testing.T) {
	a := newTestAPI(t)

	body, _ := json.Marshal(map[string]any{
		"name":        "ci-runner",
		"permissions": []string{"tools/call"},
	})
	req := httptest.NewRequest("POST", "/api/keys", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)

	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var issued struct {
		Key    string        `json:"key"`
		Record apikey.Record `json:"record"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if issued.Key == "" {
		t.Fatal("expected non-empty plaintext key")
	}

	listReq := httptest.NewRequest("GET", "/api/keys", nil)
	listRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(listRR, listReq)

	var recs []apikey.Record
	if err := json.Unmarshal(listRR.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}

	revokeBody, _ := json.Marshal(map[string]string{"hashed_key": recs[0].HashedKey})
	revokeReq := httptest.NewRequest("POST", "/api/keys/revoke", bytes.NewReader(revokeBody))
	revokeRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(revokeRR, revokeReq)

	if revokeRR.Code != 200 {
		t.Fatalf("expected 200 on revoke, got %d: %s", revokeRR.Code, revokeRR.Body.String())
	}
}

func TestHandlePolicy_ProposeAndActivate(t *testing.T) {
	a := newTestAPI(t)

	doc := policy.Document{
		Roles: map[string]policy.RoleGrant{
			"admin": {Resources: []string{"*"}, Actions: []string{"*"}},
		},
	}
	body, _ := json.Marshal(doc)
	req := httptest.NewRequest("POST", "/api/policy", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)

	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var created struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	activateBody, _ := json.Marshal(map[string]int{"version": created.Version})
	activateReq := httptest.NewRequest("POST", "/api/policy/activate", bytes.NewReader(activateBody))
	activateRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(activateRR, activateReq)

	if activateRR.Code != 200 {
		t.Fatalf("expected 200 on activate, got %d: %s", activateRR.Code, activateRR.Body.String())
	}
}

func TestHandleLimitsCheckAndInterrupt(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	_, _, err := a.resourceLimits.Begin(ctx, "exec-1", "upstream-a", "alice", []resourcelimit.Limit{
		{Kind: resourcelimit.KindAPICalls, Soft: 1, Hard: 5},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	a.resourceLimits.RecordUsage("exec-1", resourcelimit.Usage{APICallCount: 3})

	softBody, _ := json.Marshal(map[string]string{"id": "exec-1"})
	softReq := httptest.NewRequest("POST", "/api/limits/check-soft-limits", bytes.NewReader(softBody))
	softRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(softRR, softReq)
	if softRR.Code != 200 {
		t.Fatalf("expected 200 from check-soft-limits, got %d: %s", softRR.Code, softRR.Body.String())
	}
	var softOut struct {
		Exceeded []resourcelimit.Kind `json:"exceeded"`
	}
	if err := json.Unmarshal(softRR.Body.Bytes(), &softOut); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(softOut.Exceeded) != 1 || softOut.Exceeded[0] != resourcelimit.KindAPICalls {
		t.Fatalf("expected api_calls reported over soft limit, got %+v", softOut.Exceeded)
	}

	hardBody, _ := json.Marshal(map[string]string{"id": "exec-1"})
	hardReq := httptest.NewRequest("POST", "/api/limits/check-hard-limits", bytes.NewReader(hardBody))
	hardRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(hardRR, hardReq)
	if hardRR.Code != 200 {
		t.Fatalf("expected 200 from check-hard-limits, got %d: %s", hardRR.Code, hardRR.Body.String())
	}

	if a.resourceLimits.ActiveCount() != 1 {
		t.Fatalf("expected the execution to still be active before interrupt, got %d", a.resourceLimits.ActiveCount())
	}

	interruptBody, _ := json.Marshal(map[string]string{"id": "exec-1"})
	interruptReq := httptest.NewRequest("POST", "/api/limits/interrupt", bytes.NewReader(interruptBody))
	interruptRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(interruptRR, interruptReq)
	if interruptRR.Code != 200 {
		t.Fatalf("expected 200 from interrupt, got %d: %s", interruptRR.Code, interruptRR.Body.String())
	}
	if a.resourceLimits.ActiveCount() != 0 {
		t.Errorf("expected interrupt to end the execution, got %d active", a.resourceLimits.ActiveCount())
	}

	notFoundReq := httptest.NewRequest("POST", "/api/limits/interrupt", bytes.NewReader(interruptBody))
	notFoundRR := httptest.NewRecorder()
	a.Handler().ServeHTTP(notFoundRR, notFoundReq)
	if notFoundRR.Code != 404 {
		t.Errorf("expected 404 interrupting an already-ended execution, got %d", notFoundRR.Code)
	}
}

func TestHandleLimitsActive_ZeroInitially(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest("GET", "/api/limits/active", nil)
	rr := httptest.NewRecorder()

	a.Handler().ServeHTTP(rr, req)

	var out map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["active_count"] != 0 {
		t.Errorf("expected 0 active, got %d", out["active_count"])
	}
}
