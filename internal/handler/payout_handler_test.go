package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payrouter/config"
	"payrouter/internal/database"
	"payrouter/internal/models"
	"payrouter/internal/router"
	"payrouter/pkg/provider"
)

const (
	dogeAddr   = "D7Y55Lkqbwc7FnDdSZPBPeZprZkvpvcnVr"
	adminToken = "test-admin-token"
)

type testServer struct {
	engine *gin.Engine
	db     *gorm.DB
	stub   *provider.StubAdapter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	cfg := config.Default()
	cfg.AdminToken = adminToken
	cfg.Providers = map[string]config.ProviderConfig{
		"stub": {
			Supports:     []string{"DOGE", "TRX", "USDTTRC20"},
			Capabilities: config.ProviderCapabilities{Idempotency: true, StatusQuery: true, Webhook: true},
			Rate:         1000,
			Burst:        1000,
		},
	}
	if err := cfg.Compile(); err != nil {
		t.Fatalf("compile config: %v", err)
	}

	registry := router.BuildRegistry(cfg, router.Credentials{StubSecret: "whsec-test"})
	engine, _ := router.Setup(config.NewStore("", cfg), db, registry)

	entry, ok := registry.Get("stub")
	if !ok {
		t.Fatal("stub adapter not registered")
	}
	return &testServer{
		engine: engine,
		db:     db,
		stub:   entry.Adapter.(*provider.StubAdapter),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) credit(t *testing.T, userID, currency, amount string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/admin/credits", map[string]interface{}{
		"user_id": userID, "currency": currency, "amount": amount,
	}, map[string]string{"Authorization": "Bearer " + adminToken})
	if w.Code != http.StatusOK {
		t.Fatalf("admin credit: status %d, body %s", w.Code, w.Body.String())
	}
}

func (s *testServer) webhook(t *testing.T, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal webhook body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stub", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stub-Signature", s.stub.SignBody(body))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decodeReply(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func createBody(intentID string) map[string]interface{} {
	return map[string]interface{}{
		"intent_id":   intentID,
		"user_id":     "u1",
		"currency":    "DOGE",
		"amount":      "100",
		"destination": dogeAddr,
	}
}

func TestPayoutLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.credit(t, "u1", "DOGE", "200")

	w := s.do(t, http.MethodPost, "/payouts", createBody("i1"), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", w.Code, w.Body.String())
	}
	reply := decodeReply(t, w)
	payoutID, _ := reply["payout_id"].(string)
	if payoutID == "" {
		t.Fatalf("no payout_id in reply: %v", reply)
	}
	if reply["state"] != "ACCEPTED" {
		t.Fatalf("state = %v, want ACCEPTED", reply["state"])
	}

	// A retried intent answers 200 with the original payout.
	w = s.do(t, http.MethodPost, "/payouts", createBody("i1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate create: status %d", w.Code)
	}
	if got := decodeReply(t, w)["payout_id"]; got != payoutID {
		t.Fatalf("duplicate returned payout %v, want %s", got, payoutID)
	}

	ext, ok := s.stub.ExternalIDFor(payoutID)
	if !ok {
		t.Fatal("stub has no external id for payout")
	}
	if w := s.webhook(t, map[string]string{
		"event_id": "e1", "external_id": ext, "status": "confirmed", "tx_hash": "0xabc",
	}); w.Code != http.StatusOK {
		t.Fatalf("webhook: status %d, body %s", w.Code, w.Body.String())
	}

	w = s.do(t, http.MethodGet, "/payouts/"+payoutID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	got := decodeReply(t, w)
	if got["state"] != "CONFIRMED" {
		t.Fatalf("state = %v, want CONFIRMED", got["state"])
	}
	if got["on_chain_tx"] != "0xabc" {
		t.Fatalf("on_chain_tx = %v, want 0xabc", got["on_chain_tx"])
	}

	w = s.do(t, http.MethodGet, "/payouts?user_id=u1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
	var list struct {
		Payouts []models.Payout `json:"payouts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Payouts) != 1 || list.Payouts[0].ID != payoutID {
		t.Fatalf("list = %d payouts, want the confirmed one", len(list.Payouts))
	}
}

func TestCreatePayoutValidationErrors(t *testing.T) {
	s := newTestServer(t)

	body := createBody("i1")
	body["destination"] = "not-an-address"
	if w := s.do(t, http.MethodPost, "/payouts", body, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad address: status %d, want 400", w.Code)
	}

	body = createBody("i2")
	delete(body, "user_id")
	if w := s.do(t, http.MethodPost, "/payouts", body, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id: status %d, want 400", w.Code)
	}

	body = createBody("i3")
	body["amount"] = "1"
	if w := s.do(t, http.MethodPost, "/payouts", body, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("below minimum: status %d, want 400", w.Code)
	}
}

func TestCreatePayoutInsufficientFunds(t *testing.T) {
	s := newTestServer(t)
	s.credit(t, "u1", "DOGE", "50")

	w := s.do(t, http.MethodPost, "/payouts", createBody("i1"), nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", w.Code)
	}
	reply := decodeReply(t, w)
	if reply["state"] != "REJECTED" {
		t.Fatalf("state = %v, want REJECTED", reply["state"])
	}
	if id, _ := reply["payout_id"].(string); id == "" {
		t.Fatal("rejected payout id not surfaced")
	}
}

func TestCreatePayoutConcurrencyCap(t *testing.T) {
	s := newTestServer(t)
	s.credit(t, "u1", "DOGE", "1000")

	for i := 1; i <= 3; i++ {
		if w := s.do(t, http.MethodPost, "/payouts", createBody(fmt.Sprintf("i%d", i)), nil); w.Code != http.StatusCreated {
			t.Fatalf("create %d: status %d", i, w.Code)
		}
	}
	if w := s.do(t, http.MethodPost, "/payouts", createBody("i4"), nil); w.Code != http.StatusConflict {
		t.Fatalf("over cap: status %d, want 409", w.Code)
	}
}

func TestGetPayoutNotFound(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, http.MethodGet, "/payouts/"+uuid.NewString(), nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestCancelAfterAcceptRefused(t *testing.T) {
	s := newTestServer(t)
	s.credit(t, "u1", "DOGE", "200")

	w := s.do(t, http.MethodPost, "/payouts", createBody("i1"), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d", w.Code)
	}
	payoutID := decodeReply(t, w)["payout_id"].(string)

	w = s.do(t, http.MethodPost, "/payouts/"+payoutID+"/cancel", map[string]string{"user_id": "u1"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("cancel accepted payout: status %d, want 409", w.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	body := map[string]interface{}{"user_id": "u1", "currency": "DOGE", "amount": "100"}
	if w := s.do(t, http.MethodPost, "/admin/credits", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/admin/credits", body, map[string]string{
		"Authorization": "Bearer wrong-token",
	}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d, want 401", w.Code)
	}

	if w := s.do(t, http.MethodGet, "/admin/balances/u1", nil, map[string]string{
		"Authorization": "Bearer " + adminToken,
	}); w.Code != http.StatusOK {
		t.Fatalf("valid token: status %d, want 200", w.Code)
	}
}
