package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// stripeSignatureTolerance bounds how stale a signed webhook timestamp may
// be before the delivery is rejected as a possible replay.
const stripeSignatureTolerance = 5 * time.Minute

// StripeAdapter drives Stripe Checkout sessions over the raw HTTP API.
type StripeAdapter struct {
	cfg    config.StripeConfig
	client *http.Client
	logger *zap.Logger

	// now is swappable for signature tolerance tests.
	now func() time.Time
}

func NewStripeAdapter(cfg config.StripeConfig, client *http.Client) *StripeAdapter {
	return &StripeAdapter{
		cfg:    cfg,
		client: client,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

func (a *StripeAdapter) Name() models.Provider { return models.ProviderStripe }

type stripeSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
	ClientRefID   string `json:"client_reference_id"`
}

// stripeEventObject covers the two object shapes our webhook subscriptions
// deliver: checkout sessions (completed/expired) and charges (refunds).
type stripeEventObject struct {
	ID            string            `json:"id"`
	ObjectType    string            `json:"object"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	Amount        int64             `json:"amount"`
	AmountTotal   int64             `json:"amount_total"`
	ClientRefID   string            `json:"client_reference_id"`
	Metadata      map[string]string `json:"metadata"`
}

func (a *StripeAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderHandle, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.OrderNo)
	form.Set("success_url", a.cfg.SuccessURL)
	form.Set("cancel_url", a.cfg.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.Description)
	form.Set("metadata[order_no]", req.OrderNo)
	form.Set("metadata[user_id]", req.UserID)
	// Copied onto the payment intent and its charges, so refund webhooks
	// can name the order.
	form.Set("payment_intent_data[metadata][order_no]", req.OrderNo)

	var session stripeSession
	if err := a.call(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}

	return &OrderHandle{
		ProviderRef: session.ID,
		RedirectURL: session.URL,
		ExpiresIn:   int((24 * time.Hour).Seconds()),
	}, nil
}

func (a *StripeAdapter) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	var session stripeSession
	if err := a.call(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(providerRef), nil, &session); err != nil {
		return nil, err
	}

	status := StatusNotPaid
	switch {
	case session.PaymentStatus == "paid":
		status = StatusPaid
	case session.Status == "expired":
		status = StatusClosed
	}

	return &StatusResult{
		Status:        status,
		RawState:      session.PaymentStatus,
		TransactionID: session.PaymentIntent,
		Amount:        session.AmountTotal,
	}, nil
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object stripeEventObject `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks the Stripe-Signature header: an HMAC-SHA256 of
// "<timestamp>.<body>" with the endpoint secret, carried as v1= alongside
// the t= timestamp.
func (a *StripeAdapter) VerifyWebhook(_ context.Context, headers http.Header, _ url.Values, body []byte) (*VerifiedEvent, error) {
	sigHeader := headers.Get("Stripe-Signature")
	if sigHeader == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrSignatureInvalid)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return nil, fmt.Errorf("%w: malformed Stripe-Signature header", ErrSignatureInvalid)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	if d := a.now().Sub(time.Unix(ts, 0)); d > stripeSignatureTolerance || d < -stripeSignatureTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	valid := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrSignatureInvalid
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: unparseable event body", ErrSignatureInvalid)
	}

	obj := event.Data.Object
	verified := &VerifiedEvent{
		EventID:       event.ID,
		EventType:     event.Type,
		TransactionID: obj.PaymentIntent,
	}
	switch obj.ObjectType {
	case "charge":
		// Refund events carry a charge, whose id never matches the stored
		// checkout-session reference. The order is named by the order_no
		// metadata copied from payment_intent_data, with the payment
		// intent as the transaction fallback.
		verified.OrderNo = obj.Metadata["order_no"]
		verified.Amount = obj.Amount
	default:
		verified.OrderNo = obj.ClientRefID
		verified.ProviderRef = obj.ID
		verified.Amount = obj.AmountTotal
	}
	return verified, nil
}

func (a *StripeAdapter) call(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	start := time.Now()
	defer func() {
		util.ProviderRequestLatency.WithLabelValues("stripe", path).Observe(time.Since(start).Seconds())
	}()

	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBase+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		util.ProviderErrorsTotal.WithLabelValues("stripe", path).Inc()
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		util.ProviderErrorsTotal.WithLabelValues("stripe", path).Inc()
		a.logger.Error("Stripe API error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: stripe returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: malformed stripe response: %v", ErrProviderUnavailable, err)
	}
	return nil
}
