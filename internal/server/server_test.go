package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowpay/internal/config"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testWebhookSecret = "whsec_server_test"

func init() {
	gin.SetMode(gin.TestMode)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (c *capturePublisher) Publish(_ context.Context, evt *notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) types() []notify.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.EventType
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// testConfig returns a minimal config for testing
func testConfig(stripeURL string) *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "json",
		StripeSecretKey:      "sk_test_123",
		StripeAPIURL:         stripeURL,
		GatewayTimeout:       5 * time.Second,
		Currency:             "usd",
		WebhookSecret:        testWebhookSecret,
		WebhookTolerance:     5 * time.Minute,
		WebhookLease:         time.Minute,
		WebhookSweepInterval: time.Minute,
		MinWithdrawal:        money.FromMinor(1000),
		ReconcileInterval:    time.Hour,
	}
}

type testServer struct {
	*Server
	pub *capturePublisher
}

// newTestServer creates an in-memory server talking to a stub provider that
// answers every transfer with the same id.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	stripeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/transfers":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "tr_srv_1", "object": "transfer", "amount": 50000})
		case "/v1/payouts":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "po_srv_1", "object": "payout", "status": "pending"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "unknown path"}})
		}
	}))
	t.Cleanup(stripeSrv.Close)

	pub := &capturePublisher{}
	s, err := New(testConfig(stripeSrv.URL), WithLogger(logging.Discard()), WithPublisher(pub))
	require.NoError(t, err)
	return &testServer{Server: s, pub: pub}
}

func (s *testServer) do(t *testing.T, method, path string, body any, userID int64, kind string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		req.Header.Set("X-User-ID", fmt.Sprint(userID))
	}
	if kind != "" {
		req.Header.Set("X-Actor-Kind", kind)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func (s *testServer) webhook(t *testing.T, id, typ string, object map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id": id, "object": "event", "type": typ,
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)
	sig := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: testWebhookSecret, Timestamp: time.Now(),
	}).Header

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type escrowBody struct {
	Escrow struct {
		ID                int64  `json:"id"`
		Status            string `json:"status"`
		PaymentStatus     string `json:"paymentStatus"`
		ExternalPayoutRef string `json:"externalPayoutRef"`
	} `json:"escrow"`
}

func TestEscrowLifecycleEndToEnd(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/v1/admin/payout-accounts/2",
		map[string]any{"externalAccountId": "acct_seller", "payoutsEnabled": true}, 0, "admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/escrows",
		map[string]any{"projectId": 9, "buyerId": 1, "sellerId": 2, "amount": "500.00", "externalPaymentRef": "pi_e2e"}, 1, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[escrowBody](t, w).Escrow.ID

	w = s.webhook(t, "evt_funded", "payment_intent.succeeded", map[string]any{"id": "pi_e2e", "amount": 50000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/escrows/%d", id), nil, 1, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[escrowBody](t, w)
	assert.Equal(t, "funded", got.Escrow.Status)
	assert.Equal(t, "succeeded", got.Escrow.PaymentStatus)

	// Only the buyer may approve.
	w = s.do(t, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", id), nil, 2, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/release", id), nil, 1, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode[escrowBody](t, w)
	assert.Equal(t, "release_requested", got.Escrow.Status)
	assert.Equal(t, "tr_srv_1", got.Escrow.ExternalPayoutRef)

	// The wallet is credited only once the transfer is confirmed.
	w = s.do(t, http.MethodGet, "/v1/wallets/2", nil, 2, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"0.00"`)

	w = s.webhook(t, "evt_paid", "transfer.paid", map[string]any{"id": "tr_srv_1", "amount": 50000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.webhook(t, "evt_paid", "transfer.paid", map[string]any{"id": "tr_srv_1", "amount": 50000})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate"`)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/v1/escrows/%d", id), nil, 2, "")
	assert.Equal(t, "released", decode[escrowBody](t, w).Escrow.Status)

	w = s.do(t, http.MethodGet, "/v1/wallets/2", nil, 2, "")
	assert.Contains(t, w.Body.String(), `"balance":"500.00"`)

	// Withdraw part of it through the provider.
	w = s.do(t, http.MethodPost, "/v1/wallets/2/withdrawals", map[string]any{"amount": "200.00"}, 2, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var wd struct {
		Withdrawal struct {
			ID int64 `json:"id"`
		} `json:"withdrawal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wd))

	w = s.do(t, http.MethodPost, fmt.Sprintf("/v1/withdrawals/%d/process", wd.Withdrawal.ID), nil, 0, "system")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "po_srv_1")

	w = s.do(t, http.MethodGet, "/v1/admin/reconcile/2", nil, 0, "admin")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"match":true`)

	require.NoError(t, s.emitter.Close())
	assert.Equal(t, []notify.EventType{
		notify.EventEscrowFunded,
		notify.EventEscrowReleaseRequested,
		notify.EventEscrowReleased,
		notify.EventWalletCredited,
		notify.EventWithdrawalCompleted,
	}, s.pub.types())
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{
		"/v1/admin/webhook-events",
		"/v1/admin/reconcile/1",
		"/v1/admin/payout-accounts/1",
	} {
		w := s.do(t, http.MethodGet, path, nil, 1, "")
		assert.Equal(t, http.StatusForbidden, w.Code, path)

		w = s.do(t, http.MethodGet, path, nil, 0, "admin")
		assert.NotEqual(t, http.StatusForbidden, w.Code, path)
	}

	w := s.do(t, http.MethodPost, "/v1/escrows/1/transition", map[string]any{"to": "disputed"}, 1, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookBypassesIdentity(t *testing.T) {
	s := newTestServer(t)

	// A malformed identity header must not matter to the gateway.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Actor-Kind", "robot")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	w = s.webhook(t, "evt_other", "customer.created", map[string]any{"id": "cus_1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health/live", nil, 0, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/health/ready", nil, 0, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// Background loops are not started outside Run.
	w = s.do(t, http.MethodGet, "/health", nil, 0, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	assert.Len(t, resp.Checks, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)
	require.Eventually(t, func() bool {
		return s.do(t, http.MethodGet, "/health", nil, 0, "").Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodGet, "/metrics", nil, 0, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowpay_")
}

func TestRateLimitPerCaller(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimitPerMinute = 60
	cfg.RateLimitBurst = 2
	srv, err := New(cfg, WithLogger(logging.Discard()), WithPublisher(&capturePublisher{}))
	require.NoError(t, err)
	t.Cleanup(srv.limiter.Stop)
	s := &testServer{Server: srv}

	for i := 0; i < 2; i++ {
		w := s.do(t, http.MethodGet, "/v1/escrows/999", nil, 1, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w := s.do(t, http.MethodGet, "/v1/escrows/999", nil, 1, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = s.do(t, http.MethodGet, "/v1/escrows/999", nil, 2, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// health and webhooks sit outside /v1
	w = s.do(t, http.MethodGet, "/health/live", nil, 1, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/health/live", nil, 0, "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/escrow")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "db:5432/escrow")
	assert.Equal(t, "***", maskDSN("://bad"))
}
