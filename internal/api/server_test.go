package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"Teknia-Ledger/internal/auth"
	"Teknia-Ledger/internal/distribution"
	"Teknia-Ledger/internal/ledger"
	"Teknia-Ledger/internal/policy"
)

const testPolicy = `
deg_per_unit: 360
founder_bps: 500
min_transfer_deg: 2592
base_fee_bps: 50
min_transfer_scope: [transfer]
fee_tiers:
  - threshold_deg: 2592000
    bps: 314
  - threshold_deg: 259200
    bps: 99
  - threshold_deg: 25920
    bps: 31.4
`

func newTestServer(t *testing.T, authSvc *auth.Service) (*Server, *ledger.Ledger) {
	t.Helper()
	p, err := policy.Load([]byte(testPolicy))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	led, err := ledger.New(context.Background(), p, ledger.NewMemoryStore(),
		ledger.Config{SupplyDeg: 360_000_000})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	dist, err := distribution.NewService(&distribution.Config{
		Alpha:  0.30,
		Lambda: 0.50,
		Pools:  map[string]int64{"physics": 54_000},
	}, led)
	if err != nil {
		t.Fatalf("new distribution service: %v", err)
	}
	return NewServer("127.0.0.1:0", led, dist, nil, distribution.NewMemoryRunStore(), authSvc), led
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestTransferEndpoint(t *testing.T) {
	srv, led := newTestServer(t, nil)
	if _, err := led.Reward(context.Background(), "alice", 100_000); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/api/v1/transfer",
		transferRequest{From: "alice", To: "bob", AmountDeg: 25920}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var tx ledger.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if tx.FeeDeg != 81 {
		t.Fatalf("fee = %d, want 81", tx.FeeDeg)
	}

	rec = doJSON(t, routes, http.MethodGet, "/api/v1/balance?account=bob", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var balance struct {
		BalanceDeg int64 `json:"balance_deg"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.BalanceDeg != 25920 {
		t.Fatalf("bob balance = %d, want 25920", balance.BalanceDeg)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, led := newTestServer(t, nil)
	if _, err := led.Reward(context.Background(), "alice", 5_000); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	routes := srv.Routes()

	cases := []struct {
		name   string
		body   transferRequest
		status int
		code   string
	}{
		{"below quantum", transferRequest{From: "alice", To: "bob", AmountDeg: 360}, http.StatusBadRequest, "BELOW_MIN_QUANTUM"},
		{"unknown account", transferRequest{From: "ghost", To: "bob", AmountDeg: 2592}, http.StatusNotFound, "UNKNOWN_ACCOUNT"},
		{"insufficient", transferRequest{From: "alice", To: "bob", AmountDeg: 1_000_000}, http.StatusConflict, "INSUFFICIENT_BALANCE"},
		{"invalid amount", transferRequest{From: "alice", To: "bob", AmountDeg: -1}, http.StatusBadRequest, "INVALID_AMOUNT"},
	}
	for _, tc := range cases {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/transfer", tc.body, nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.status)
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode error body: %v", tc.name, err)
		}
		if resp.Code != tc.code {
			t.Fatalf("%s: code = %s, want %s", tc.name, resp.Code, tc.code)
		}
	}
}

func TestQuoteAndVerifyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodGet, "/api/v1/quote?op=transfer&amount_deg=25920", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quote status = %d", rec.Code)
	}
	var quote ledger.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if quote.FeeDeg != 81 || quote.TotalDeg != 26001 {
		t.Fatalf("quote = %+v", quote)
	}

	rec = doJSON(t, routes, http.MethodGet, "/api/v1/verify", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report ledger.VerifyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.SupplyDeg != 360_000_000 {
		t.Fatalf("supply = %d", report.SupplyDeg)
	}
}

func TestDistributionDryRunEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	routes := srv.Routes()

	req := distributionRequest{
		Group:  "physics",
		DryRun: true,
		KNUs: []*distribution.KNU{
			{
				ID: "knu-1", Group: "physics", Owner: "alice",
				Effort: 5, ImpactPrimary: 30, ImpactSpillover: 10,
				Status: distribution.StatusAccepted, EvidenceRefs: []string{"doi:1"},
				ValidatedBy: "board", ValidatedAt: "2026-08-01T00:00:00Z",
			},
			{
				ID: "knu-2", Group: "physics", Owner: "bob",
				Effort: 3, ImpactPrimary: 15, ImpactSpillover: 5,
				Status: distribution.StatusAccepted, EvidenceRefs: []string{"doi:2"},
				ValidatedBy: "board", ValidatedAt: "2026-08-01T00:00:00Z",
			},
			{
				ID: "knu-3", Group: "physics", Owner: "carol",
				Effort: 2, ImpactPrimary: 5, ImpactSpillover: 0,
				Status: distribution.StatusMerged, EvidenceRefs: []string{"doi:3"},
				ValidatedBy: "board", ValidatedAt: "2026-08-01T00:00:00Z",
			},
		},
	}
	rec := doJSON(t, routes, http.MethodPost, "/api/v1/distributions", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result distribution.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TotalAllocatedDeg != 54_000 {
		t.Fatalf("allocated = %d, want 54000", result.TotalAllocatedDeg)
	}
	if result.Items[0].TokensDeg != 31_110 {
		t.Fatalf("first allocation = %d, want 31110", result.Items[0].TokensDeg)
	}
}

func TestAuthGuardsLedgerEndpoints(t *testing.T) {
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "api-test-secret"},
		Seeds: []auth.Seed{{
			Username:    "operator",
			Password:    "s3cret",
			Permissions: []string{auth.PermTransfer, auth.PermRead},
		}},
	}, auth.NewMemoryStore())
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	srv, led := newTestServer(t, authSvc)
	if _, err := led.Reward(context.Background(), "alice", 100_000); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	routes := srv.Routes()

	body := transferRequest{From: "alice", To: "bob", AmountDeg: 2592}
	rec := doJSON(t, routes, http.MethodPost, "/api/v1/transfer", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, routes, http.MethodPost, "/api/v1/auth/token",
		auth.TokenRequest{Username: "operator", Password: "s3cret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + pair.AccessToken}

	rec = doJSON(t, routes, http.MethodPost, "/api/v1/transfer", body, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorised status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, routes, http.MethodGet, "/api/v1/verify", nil, bearer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("verify without permission status = %d, want 403", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Routes(), http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var payload struct {
		Status string `json:"status"`
		Halted bool   `json:"halted"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "ok" || payload.Halted {
		t.Fatalf("health = %+v", payload)
	}
}

func TestDistributionValidateOnlyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	routes := srv.Routes()

	req := distributionRequest{
		Group:        "physics",
		ValidateOnly: true,
		KNUs: []*distribution.KNU{
			{
				ID: "knu-1", Group: "physics", Owner: "alice",
				Effort: 5, ImpactPrimary: 30,
				Status: distribution.StatusAccepted, EvidenceRefs: []string{"doi:1"},
				ValidatedBy: "board", ValidatedAt: "2026-08-01T00:00:00Z",
			},
			{
				ID: "knu-2", Group: "physics", Owner: "bob",
				Effort: 3, ImpactPrimary: 15,
				Status: distribution.StatusPending,
			},
		},
	}
	rec := doJSON(t, routes, http.MethodPost, "/api/v1/distributions", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Group string                     `json:"group"`
		Items []distribution.ItemOutcome `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(resp.Items))
	}
	for _, item := range resp.Items {
		switch item.KNUID {
		case "knu-1":
			if !item.Eligible {
				t.Fatalf("knu-1 must be eligible: %+v", item)
			}
		case "knu-2":
			if item.Eligible || item.Reason == "" {
				t.Fatalf("knu-2 must be ineligible with reason: %+v", item)
			}
		}
		if item.TokensDeg != 0 {
			t.Fatalf("validate-only must not allocate: %+v", item)
		}
	}
}
