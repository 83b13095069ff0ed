package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"payrouter/internal/models"
)

func eventCount(t *testing.T, s *testServer) int64 {
	t.Helper()
	var n int64
	if err := s.db.Model(&models.CallbackEvent{}).Count(&n).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"event_id":"e1","external_id":"ext-1","status":"confirmed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stub", bytes.NewReader(body))
	req.Header.Set("X-Stub-Signature", "0000")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	if eventCount(t, s) != 0 {
		t.Fatal("rejected webhook left a persisted event")
	}
}

func TestWebhookMissingSignatureHeader(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"event_id":"e1","external_id":"ext-1","status":"confirmed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stub", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"event_id":"e1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/nosuch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestWebhookDuplicateDeliveryAnswers200(t *testing.T) {
	s := newTestServer(t)
	s.credit(t, "u1", "DOGE", "200")

	w := s.do(t, http.MethodPost, "/payouts", createBody("i1"), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d", w.Code)
	}
	payoutID := decodeReply(t, w)["payout_id"].(string)
	ext, ok := s.stub.ExternalIDFor(payoutID)
	if !ok {
		t.Fatal("stub has no external id for payout")
	}

	fields := map[string]string{
		"event_id": "e1", "external_id": ext, "status": "confirmed", "tx_hash": "0xabc",
	}
	if w := s.webhook(t, fields); w.Code != http.StatusOK {
		t.Fatalf("first delivery: status %d", w.Code)
	}
	if w := s.webhook(t, fields); w.Code != http.StatusOK {
		t.Fatalf("second delivery: status %d", w.Code)
	}
	if eventCount(t, s) != 1 {
		t.Fatalf("event rows = %d, want 1", eventCount(t, s))
	}

	w = s.do(t, http.MethodGet, "/payouts/"+payoutID, nil, nil)
	if got := decodeReply(t, w)["state"]; got != "CONFIRMED" {
		t.Fatalf("state = %v, want CONFIRMED", got)
	}
}

func TestWebhookForUnknownPayoutStoredAsOrphan(t *testing.T) {
	s := newTestServer(t)

	w := s.webhook(t, map[string]string{
		"event_id": "e1", "external_id": "ext-nobody", "status": "confirmed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}

	var ev models.CallbackEvent
	if err := s.db.Where("provider_id = ? AND event_id = ?", "stub", "e1").First(&ev).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if !ev.Orphan {
		t.Fatal("unmatched webhook not flagged as orphan")
	}
}

func TestWebhookMalformedBodyRejected(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`not json`)
	sig := s.stub.SignBody(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stub", bytes.NewReader(body))
	req.Header.Set("X-Stub-Signature", sig)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	// The signature matches the raw bytes but the payload is not a valid
	// callback; nothing may be persisted from it.
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	if eventCount(t, s) != 0 {
		t.Fatal("malformed webhook left a persisted event")
	}
}

func TestWebhookReplyShape(t *testing.T) {
	s := newTestServer(t)

	w := s.webhook(t, map[string]string{
		"event_id": "e1", "external_id": "ext-x", "status": "pending",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var reply map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply["received"] {
		t.Fatalf("reply = %s, want received=true", w.Body.String())
	}
}
