package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoinPaymentsAdapter drives the CoinPayments create_withdrawal API. The API
// has no idempotency key, so the caller must hold an acceptance record and
// never resubmit a payout that already has an external id.
type CoinPaymentsAdapter struct {
	BaseURL    string
	PublicKey  string
	PrivateKey string
	IPNSecret  string
	MerchantID string
	currencies map[string]bool
	client     *http.Client
}

func NewCoinPaymentsAdapter(baseURL, publicKey, privateKey, ipnSecret, merchantID string, currencies []string, timeout time.Duration) *CoinPaymentsAdapter {
	if baseURL == "" {
		baseURL = "https://www.coinpayments.net/api.php"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &CoinPaymentsAdapter{
		BaseURL:    baseURL,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		IPNSecret:  ipnSecret,
		MerchantID: merchantID,
		currencies: set,
		client:     &http.Client{Timeout: timeout},
	}
}

func (a *CoinPaymentsAdapter) ID() string { return "coinpayments" }

func (a *CoinPaymentsAdapter) Supports(currency string) bool { return a.currencies[currency] }

type cpResponse struct {
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// call signs the form body with HMAC-SHA512 of the private key and posts it.
func (a *CoinPaymentsAdapter) call(ctx context.Context, params url.Values, out interface{}) error {
	params.Set("version", "1")
	params.Set("key", a.PublicKey)
	params.Set("format", "json")
	encoded := params.Encode()
	mac := hmac.New(sha512.New, []byte(a.PrivateKey))
	mac.Write([]byte(encoded))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL, strings.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HMAC", hex.EncodeToString(mac.Sum(nil)))
	resp, err := a.client.Do(req)
	if err != nil {
		return retryableErr("api_transport", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		code := fmt.Sprintf("api_http_%d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &Error{Class: ClassRetryable, Code: code, Detail: string(respBody)}
		}
		return &Error{Class: ClassUnknown, Code: code, Detail: string(respBody)}
	}
	var envelope cpResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return retryableErr("api_decode", err)
	}
	if envelope.Error != "ok" {
		return classifyCPError(envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return retryableErr("api_decode", err)
		}
	}
	return nil
}

type cpWithdrawalResult struct {
	ID     string      `json:"id"`
	Status json.Number `json:"status"`
	Amount string      `json:"amount"`
}

func (a *CoinPaymentsAdapter) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	params := url.Values{}
	params.Set("cmd", "create_withdrawal")
	params.Set("amount", req.Amount.String())
	params.Set("currency", req.Currency)
	params.Set("address", req.Destination)
	params.Set("auto_confirm", "1")
	params.Set("note", req.PayoutID)
	var result cpWithdrawalResult
	if err := a.call(ctx, params, &result); err != nil {
		return nil, err
	}
	return &SubmitResult{
		ExternalID: result.ID,
		State:      StatePending,
	}, nil
}

type cpWithdrawalInfo struct {
	TimeCreated int64       `json:"time_created"`
	Status      json.Number `json:"status"`
	Coin        string      `json:"coin"`
	Amount      string      `json:"amount"`
	SendTxID    string      `json:"send_txid"`
}

func (a *CoinPaymentsAdapter) Query(ctx context.Context, externalID string) (*StatusResult, error) {
	params := url.Values{}
	params.Set("cmd", "get_withdrawal_info")
	params.Set("id", externalID)
	var info cpWithdrawalInfo
	if err := a.call(ctx, params, &info); err != nil {
		return nil, err
	}
	res := &StatusResult{
		State:     normalizeCPStatus(info.Status.String(), info.SendTxID),
		OnChainTx: info.SendTxID,
	}
	if info.Amount != "" {
		if amt, err := decimal.NewFromString(info.Amount); err == nil {
			res.FinalAmount = &amt
		}
	}
	return res, nil
}

// VerifyCallback authenticates the IPN: HMAC-SHA512 of the raw form body with
// the IPN secret, carried in the HMAC header.
func (a *CoinPaymentsAdapter) VerifyCallback(body []byte, headers http.Header) (*Callback, error) {
	sig := headers.Get("HMAC")
	if sig == "" {
		return nil, ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(a.IPNSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return nil, ErrInvalidSignature
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if a.MerchantID != "" && form.Get("merchant") != a.MerchantID {
		return nil, ErrInvalidSignature
	}
	id := form.Get("id")
	status := form.Get("status")
	txid := form.Get("txn_id")
	return &Callback{
		EventID:     form.Get("ipn_id"),
		ExternalID:  id,
		State:       normalizeCPStatus(status, txid),
		OnChainTx:   txid,
		Destination: form.Get("address"),
		Amount:      form.Get("amount"),
	}, nil
}

// normalizeCPStatus maps CoinPayments withdrawal statuses: negative = failed,
// 0/1 = queued or pending, 2/100+ = complete.
func normalizeCPStatus(status, txid string) State {
	switch status {
	case "-1", "-2":
		return StateFailed
	case "0":
		return StatePending
	case "1":
		if txid != "" {
			return StateSent
		}
		return StateProcessing
	case "2", "100":
		return StateConfirmed
	default:
		return StateUnknown
	}
}

func classifyCPError(detail string) *Error {
	lower := strings.ToLower(detail)
	code := "api_error"
	switch {
	case strings.Contains(lower, "address"):
		return &Error{Class: ClassNonRetryableUser, Code: code, Detail: detail}
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "limit") || strings.Contains(lower, "minimum"):
		return &Error{Class: ClassNonRetryablePolicy, Code: code, Detail: detail}
	case strings.Contains(lower, "nonce") || strings.Contains(lower, "temporarily"):
		return &Error{Class: ClassRetryable, Code: code, Detail: detail}
	default:
		return &Error{Class: ClassUnknown, Code: code, Detail: detail}
	}
}
