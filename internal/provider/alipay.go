package provider

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// AlipayAdapter drives the Alipay open gateway. Requests are signed RSA2
// (SHA256withRSA) over the sorted parameter string; inbound notifications
// are verified the same way with Alipay's public key. Amounts cross the
// wire as two-decimal yuan strings.
type AlipayAdapter struct {
	cfg    config.AlipayConfig
	client *http.Client
	logger *zap.Logger
}

func NewAlipayAdapter(cfg config.AlipayConfig, client *http.Client) *AlipayAdapter {
	return &AlipayAdapter{
		cfg:    cfg,
		client: client,
		logger: util.GetLogger(),
	}
}

func (a *AlipayAdapter) Name() models.Provider { return models.ProviderAlipay }

// CreateOrder builds a signed page-pay URL. Alipay assigns its trade_no
// only after the buyer pays, so the provider ref is our own order number.
func (a *AlipayAdapter) CreateOrder(_ context.Context, req CreateOrderRequest) (*OrderHandle, error) {
	bizContent, err := json.Marshal(map[string]string{
		"out_trade_no":    req.OrderNo,
		"total_amount":    minorToDecimal(req.Amount),
		"subject":         req.Description,
		"product_code":    "FAST_INSTANT_TRADE_PAY",
		"passback_params": url.QueryEscape(req.UserID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal biz_content: %w", err)
	}

	params := a.baseParams("alipay.trade.page.pay")
	params["notify_url"] = a.cfg.NotifyURL
	params["return_url"] = a.cfg.ReturnURL
	params["biz_content"] = string(bizContent)

	if err := a.sign(params); err != nil {
		return nil, err
	}

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	return &OrderHandle{
		ProviderRef: req.OrderNo,
		RedirectURL: a.cfg.GatewayURL + "?" + values.Encode(),
		ExpiresIn:   int((2 * time.Hour).Seconds()),
	}, nil
}

func (a *AlipayAdapter) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	bizContent, err := json.Marshal(map[string]string{"out_trade_no": providerRef})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal biz_content: %w", err)
	}

	params := a.baseParams("alipay.trade.query")
	params["biz_content"] = string(bizContent)
	if err := a.sign(params); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		util.ProviderRequestLatency.WithLabelValues("alipay", "trade.query").Observe(time.Since(start).Seconds())
	}()

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.GatewayURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build alipay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		util.ProviderErrorsTotal.WithLabelValues("alipay", "trade.query").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProviderUnavailable, err)
	}

	var out struct {
		Response struct {
			Code        string `json:"code"`
			TradeStatus string `json:"trade_status"`
			TradeNo     string `json:"trade_no"`
			TotalAmount string `json:"total_amount"`
			SendPayDate string `json:"send_pay_date"`
		} `json:"alipay_trade_query_response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed alipay response: %v", ErrProviderUnavailable, err)
	}
	if out.Response.Code != "10000" {
		util.ProviderErrorsTotal.WithLabelValues("alipay", "trade.query").Inc()
		return nil, fmt.Errorf("%w: alipay code %s", ErrProviderUnavailable, out.Response.Code)
	}

	result := &StatusResult{
		Status:        normalizeTradeState(alipayTradeStates, out.Response.TradeStatus),
		RawState:      out.Response.TradeStatus,
		TransactionID: out.Response.TradeNo,
	}
	if amt, err := decimalToMinor(out.Response.TotalAmount); err == nil {
		result.Amount = amt
	}
	if t, err := time.Parse("2006-01-02 15:04:05", out.Response.SendPayDate); err == nil {
		result.SuccessTime = &t
	}
	return result, nil
}

// VerifyWebhook authenticates an Alipay asynchronous notification: form
// parameters signed RSA2 over the sorted k=v string excluding sign and
// sign_type.
func (a *AlipayAdapter) VerifyWebhook(_ context.Context, _ http.Header, form url.Values, _ []byte) (*VerifiedEvent, error) {
	if form == nil {
		return nil, fmt.Errorf("%w: missing form parameters", ErrSignatureInvalid)
	}

	if a.cfg.SkipVerify {
		a.logger.Warn("Alipay webhook signature verification skipped (sandbox)",
			zap.String("out_trade_no", form.Get("out_trade_no")))
	} else {
		if err := a.verifySignature(form); err != nil {
			return nil, err
		}
	}

	tradeStatus := form.Get("trade_status")
	eventID := form.Get("notify_id")
	if eventID == "" {
		eventID = form.Get("trade_no")
	}

	event := &VerifiedEvent{
		EventID:       eventID,
		EventType:     tradeStatus,
		OrderNo:       form.Get("out_trade_no"),
		ProviderRef:   form.Get("out_trade_no"),
		TransactionID: form.Get("trade_no"),
	}
	if amt, err := decimalToMinor(form.Get("total_amount")); err == nil {
		event.Amount = amt
	}
	return event, nil
}

func (a *AlipayAdapter) verifySignature(form url.Values) error {
	sig := form.Get("sign")
	if sig == "" || form.Get("sign_type") != "RSA2" {
		return fmt.Errorf("%w: missing sign or unsupported sign_type", ErrSignatureInvalid)
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "sign" || k == "sign_type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+form.Get(k))
	}
	signString := strings.Join(pairs, "&")

	pub, err := parsePublicKey(wrapPublicKeyPEM(a.cfg.PublicKey))
	if err != nil {
		return fmt.Errorf("%w: bad alipay public key: %v", ErrSignatureInvalid, err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature not base64", ErrSignatureInvalid)
	}

	digest := sha256.Sum256([]byte(signString))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

func (a *AlipayAdapter) baseParams(method string) map[string]string {
	return map[string]string{
		"app_id":    a.cfg.AppID,
		"method":    method,
		"format":    "JSON",
		"charset":   "utf-8",
		"sign_type": "RSA2",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
		"version":   "1.0",
	}
}

// sign adds an RSA2 signature over the sorted parameter string.
func (a *AlipayAdapter) sign(params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	key, err := parsePrivateKey(a.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("bad alipay private key: %w", err)
	}

	digest := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign alipay request: %w", err)
	}

	params["sign"] = base64.StdEncoding.EncodeToString(sig)
	return nil
}
