package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// PayPalAdapter drives the PayPal v2 Checkout API. Webhook authenticity is
// delegated to PayPal's verify-webhook-signature endpoint: the transmission
// headers plus the raw event are sent back and PayPal answers whether the
// delivery is genuine.
type PayPalAdapter struct {
	cfg    config.PayPalConfig
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPayPalAdapter(cfg config.PayPalConfig, client *http.Client) *PayPalAdapter {
	return &PayPalAdapter{
		cfg:    cfg,
		client: client,
		logger: util.GetLogger(),
	}
}

func (a *PayPalAdapter) Name() models.Provider { return models.ProviderPayPal }

func (a *PayPalAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderHandle, error) {
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": req.OrderNo,
			"invoice_id":   req.OrderNo,
			"custom_id":    req.UserID,
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         minorToDecimal(req.Amount),
			},
		}},
	}

	var out struct {
		ID    string `json:"id"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := a.call(ctx, http.MethodPost, "/v2/checkout/orders", payload, &out); err != nil {
		return nil, err
	}

	handle := &OrderHandle{
		ProviderRef: out.ID,
		ExpiresIn:   int((3 * time.Hour).Seconds()),
	}
	for _, link := range out.Links {
		if link.Rel == "approve" {
			handle.RedirectURL = link.Href
		}
	}
	return handle, nil
}

func (a *PayPalAdapter) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	var out struct {
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Amount struct {
				Value string `json:"value"`
			} `json:"amount"`
			Payments struct {
				Captures []struct {
					ID string `json:"id"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	if err := a.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(providerRef), nil, &out); err != nil {
		return nil, err
	}

	status := StatusNotPaid
	switch out.Status {
	case "COMPLETED":
		status = StatusPaid
	case "VOIDED":
		status = StatusClosed
	}

	result := &StatusResult{Status: status, RawState: out.Status}
	if len(out.PurchaseUnits) > 0 {
		pu := out.PurchaseUnits[0]
		if amt, err := decimalToMinor(pu.Amount.Value); err == nil {
			result.Amount = amt
		}
		if len(pu.Payments.Captures) > 0 {
			result.TransactionID = pu.Payments.Captures[0].ID
		}
	}
	return result, nil
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		InvoiceID     string `json:"invoice_id"`
		CustomID      string `json:"custom_id"`
		PurchaseUnits []struct {
			ReferenceID string `json:"reference_id"`
			InvoiceID   string `json:"invoice_id"`
			Amount      struct {
				Value string `json:"value"`
			} `json:"amount"`
		} `json:"purchase_units"`
		Amount struct {
			Value string `json:"value"`
		} `json:"amount"`
	} `json:"resource"`
}

func (a *PayPalAdapter) VerifyWebhook(ctx context.Context, headers http.Header, _ url.Values, body []byte) (*VerifiedEvent, error) {
	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: unparseable event body", ErrSignatureInvalid)
	}

	if a.cfg.SkipVerify {
		// Only reachable outside production; BuildRegistry strips the
		// flag otherwise.
		a.logger.Warn("PayPal webhook signature verification skipped (sandbox)",
			zap.String("event_type", event.EventType))
	} else {
		if err := a.verifySignature(ctx, headers, body); err != nil {
			return nil, err
		}
	}

	// Transmission id is unique per delivery attempt of an event; the
	// event id is stable across redeliveries, which is what dedup needs.
	eventID := event.ID
	if eventID == "" {
		eventID = headers.Get("Paypal-Transmission-Id")
	}

	verified := &VerifiedEvent{
		EventID:       eventID,
		EventType:     event.EventType,
		OrderNo:       event.Resource.InvoiceID,
		ProviderRef:   event.Resource.ID,
		TransactionID: event.Resource.ID,
	}
	if len(event.Resource.PurchaseUnits) > 0 {
		pu := event.Resource.PurchaseUnits[0]
		if verified.OrderNo == "" {
			verified.OrderNo = pu.InvoiceID
		}
		if verified.OrderNo == "" {
			verified.OrderNo = pu.ReferenceID
		}
		if amt, err := decimalToMinor(pu.Amount.Value); err == nil {
			verified.Amount = amt
		}
	}
	if verified.Amount == 0 && event.Resource.Amount.Value != "" {
		if amt, err := decimalToMinor(event.Resource.Amount.Value); err == nil {
			verified.Amount = amt
		}
	}
	return verified, nil
}

func (a *PayPalAdapter) verifySignature(ctx context.Context, headers http.Header, body []byte) error {
	required := []string{
		"Paypal-Transmission-Id",
		"Paypal-Transmission-Time",
		"Paypal-Transmission-Sig",
		"Paypal-Cert-Url",
		"Paypal-Auth-Algo",
	}
	for _, h := range required {
		if headers.Get(h) == "" {
			return fmt.Errorf("%w: missing header %s", ErrSignatureInvalid, h)
		}
	}

	payload := map[string]interface{}{
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"webhook_id":        a.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := a.call(ctx, http.MethodPost, "/v1/notification/verify-webhook-signature", payload, &out); err != nil {
		return err
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: paypal verification_status=%s", ErrSignatureInvalid, out.VerificationStatus)
	}
	return nil
}

// token returns a cached OAuth2 access token, refreshing when expired.
func (a *PayPalAdapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: token request returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: malformed token response: %v", ErrProviderUnavailable, err)
	}

	a.accessToken = out.AccessToken
	// Refresh a minute early to avoid racing expiry.
	a.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn-60) * time.Second)
	return a.accessToken, nil
}

func (a *PayPalAdapter) call(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		util.ProviderRequestLatency.WithLabelValues("paypal", path).Observe(time.Since(start).Seconds())
	}()

	token, err := a.token(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal paypal payload: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBase+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build paypal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		util.ProviderErrorsTotal.WithLabelValues("paypal", path).Inc()
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		util.ProviderErrorsTotal.WithLabelValues("paypal", path).Inc()
		a.logger.Error("PayPal API error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: paypal returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed paypal response: %v", ErrProviderUnavailable, err)
	}
	return nil
}
