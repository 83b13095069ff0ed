package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NOWPaymentsAdapter drives the NOWPayments mass-payout API. Payout batches
// are created with our payout_id as unique_external_id, which gives native
// submit idempotency.
type NOWPaymentsAdapter struct {
	BaseURL    string
	APIKey     string
	Email      string
	Password   string
	IPNSecret  string
	currencies map[string]bool
	client     *http.Client
}

func NewNOWPaymentsAdapter(baseURL, apiKey, email, password, ipnSecret string, currencies []string, timeout time.Duration) *NOWPaymentsAdapter {
	if baseURL == "" {
		baseURL = "https://api.nowpayments.io/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &NOWPaymentsAdapter{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Email:      email,
		Password:   password,
		IPNSecret:  ipnSecret,
		currencies: set,
		client:     &http.Client{Timeout: timeout},
	}
}

func (a *NOWPaymentsAdapter) ID() string { return "nowpayments" }

func (a *NOWPaymentsAdapter) Supports(currency string) bool { return a.currencies[currency] }

type npAuthResp struct {
	Token string `json:"token"`
}

func (a *NOWPaymentsAdapter) bearerToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": a.Email, "password": a.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", retryableErr("auth_transport", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", a.classifyHTTP("auth", resp.StatusCode, respBody)
	}
	var out npAuthResp
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", retryableErr("auth_decode", err)
	}
	if out.Token == "" {
		return "", &Error{Class: ClassRetryable, Code: "auth_empty_token", Detail: "auth returned empty token"}
	}
	return out.Token, nil
}

type npWithdrawal struct {
	ID       json.Number `json:"id"`
	BatchID  json.Number `json:"batch_withdrawal_id"`
	Address  string      `json:"address"`
	Currency string      `json:"currency"`
	Amount   string      `json:"amount"`
	Status   string      `json:"status"`
	Hash     string      `json:"hash"`
	Error    string      `json:"error"`
}

type npPayoutResp struct {
	ID          json.Number    `json:"id"`
	Withdrawals []npWithdrawal `json:"withdrawals"`
}

func (a *NOWPaymentsAdapter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	token, err := a.bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"withdrawals": []map[string]interface{}{{
			"address":            req.Destination,
			"currency":           strings.ToLower(req.Currency),
			"amount":             req.Amount,
			"unique_external_id": req.IdempotencyKey,
		}},
	}
	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/payout", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, retryableErr("payout_transport", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, a.classifyHTTP("payout", resp.StatusCode, respBody)
	}
	var out npPayoutResp
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, retryableErr("payout_decode", err)
	}
	if len(out.Withdrawals) == 0 {
		return nil, &Error{Class: ClassUnknown, Code: "payout_empty", Detail: "payout batch has no withdrawals"}
	}
	w := out.Withdrawals[0]
	return &SubmitResult{
		ExternalID: w.ID.String(),
		State:      normalizeNPStatus(w.Status, w.Hash),
	}, nil
}

func (a *NOWPaymentsAdapter) Query(ctx context.Context, externalID string) (*StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/payout/"+externalID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", a.APIKey)
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, retryableErr("status_transport", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyHTTP("status", resp.StatusCode, respBody)
	}
	var w npWithdrawal
	if err := json.Unmarshal(respBody, &w); err != nil {
		return nil, retryableErr("status_decode", err)
	}
	res := &StatusResult{
		State:     normalizeNPStatus(w.Status, w.Hash),
		OnChainTx: w.Hash,
	}
	if w.Amount != "" {
		if amt, err := decimal.NewFromString(w.Amount); err == nil {
			res.FinalAmount = &amt
		}
	}
	return res, nil
}

type npIPN struct {
	ID       json.Number `json:"id"`
	BatchID  json.Number `json:"batch_withdrawal_id"`
	Status   string      `json:"status"`
	Hash     string      `json:"hash"`
	Address  string      `json:"address"`
	Currency string      `json:"currency"`
	Amount   string      `json:"amount"`
}

// VerifyCallback checks the x-nowpayments-sig header: HMAC-SHA512 of the
// payload re-serialized with sorted keys, keyed on the IPN secret.
func (a *NOWPaymentsAdapter) VerifyCallback(body []byte, headers http.Header) (*Callback, error) {
	sig := headers.Get("x-nowpayments-sig")
	if sig == "" {
		return nil, ErrInvalidSignature
	}
	expected, err := npSortedHMAC(a.IPNSecret, body)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return nil, ErrInvalidSignature
	}
	var ipn npIPN
	if err := json.Unmarshal(body, &ipn); err != nil {
		return nil, ErrInvalidSignature
	}
	return &Callback{
		EventID:     fmt.Sprintf("%s:%s", ipn.ID.String(), ipn.Status),
		ExternalID:  ipn.ID.String(),
		State:       normalizeNPStatus(ipn.Status, ipn.Hash),
		OnChainTx:   ipn.Hash,
		Destination: ipn.Address,
		Amount:      ipn.Amount,
	}, nil
}

// npSortedHMAC replicates the NOWPayments IPN signing scheme: the JSON object
// is re-marshalled with lexicographically sorted keys before hashing.
func npSortedHMAC(secret string, body []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(obj[k])
	}
	buf.WriteByte('}')
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func normalizeNPStatus(status, hash string) State {
	switch strings.ToUpper(status) {
	case "CREATING", "WAITING":
		return StatePending
	case "PROCESSING", "SENDING":
		if hash != "" {
			return StateSent
		}
		return StateProcessing
	case "FINISHED":
		return StateConfirmed
	case "FAILED", "REJECTED", "EXPIRED":
		return StateFailed
	default:
		return StateUnknown
	}
}

func (a *NOWPaymentsAdapter) classifyHTTP(op string, status int, body []byte) *Error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	code := fmt.Sprintf("%s_http_%d", op, status)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &Error{Class: ClassRetryable, Code: code, Detail: detail}
	case status == http.StatusBadRequest:
		lower := strings.ToLower(detail)
		if strings.Contains(lower, "address") {
			return &Error{Class: ClassNonRetryableUser, Code: code, Detail: detail}
		}
		if strings.Contains(lower, "balance") || strings.Contains(lower, "minimal") || strings.Contains(lower, "minimum") {
			return &Error{Class: ClassNonRetryablePolicy, Code: code, Detail: detail}
		}
		return &Error{Class: ClassNonRetryableUser, Code: code, Detail: detail}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Class: ClassNonRetryablePolicy, Code: code, Detail: detail}
	default:
		return &Error{Class: ClassUnknown, Code: code, Detail: detail}
	}
}
