package provider

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-service/config"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Method variants supported for wechat.
const (
	WechatVariantNative = "native"
	WechatVariantJSAPI  = "jsapi"
)

// WechatAdapter drives WeChat Pay API v3. Outbound requests carry an
// RSA-SHA256 signature built from method, path, timestamp, nonce and body;
// inbound notifications are verified against the platform certificate and
// their resource payload decrypted with AES-256-GCM under the APIv3 key.
type WechatAdapter struct {
	cfg    config.WechatConfig
	client *http.Client
	logger *zap.Logger
}

func NewWechatAdapter(cfg config.WechatConfig, client *http.Client) *WechatAdapter {
	return &WechatAdapter{
		cfg:    cfg,
		client: client,
		logger: util.GetLogger(),
	}
}

func (a *WechatAdapter) Name() models.Provider { return models.ProviderWechat }

func (a *WechatAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderHandle, error) {
	variant := req.MethodVariant
	if variant == "" {
		variant = WechatVariantNative
	}

	payload := map[string]interface{}{
		"appid":        a.cfg.AppID,
		"mchid":        a.cfg.MchID,
		"description":  req.Description,
		"out_trade_no": req.OrderNo,
		"notify_url":   a.cfg.NotifyURL,
		"attach":       req.UserID,
		"amount": map[string]interface{}{
			"total":    req.Amount,
			"currency": strings.ToUpper(req.Currency),
		},
	}

	var path string
	switch variant {
	case WechatVariantNative:
		path = "/v3/pay/transactions/native"
	case WechatVariantJSAPI:
		path = "/v3/pay/transactions/jsapi"
	default:
		return nil, fmt.Errorf("unsupported wechat method variant: %s", variant)
	}

	var out struct {
		CodeURL  string `json:"code_url"`
		PrepayID string `json:"prepay_id"`
	}
	if err := a.call(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}

	handle := &OrderHandle{
		ProviderRef: req.OrderNo,
		CodeURL:     out.CodeURL,
		ExpiresIn:   int((2 * time.Hour).Seconds()),
	}
	if variant == WechatVariantJSAPI {
		handle.RedirectURL = out.PrepayID
	}
	return handle, nil
}

type wechatTransaction struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	SuccessTime   string `json:"success_time"`
	Amount        struct {
		Total int64 `json:"total"`
	} `json:"amount"`
}

func (a *WechatAdapter) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(providerRef) + "?mchid=" + url.QueryEscape(a.cfg.MchID)

	var tx wechatTransaction
	if err := a.call(ctx, http.MethodGet, path, nil, &tx); err != nil {
		return nil, err
	}

	result := &StatusResult{
		Status:        normalizeTradeState(wechatTradeStates, tx.TradeState),
		RawState:      tx.TradeState,
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount.Total,
	}
	if t, err := time.Parse(time.RFC3339, tx.SuccessTime); err == nil {
		result.SuccessTime = &t
	}
	return result, nil
}

type wechatNotification struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		Nonce          string `json:"nonce"`
		AssociatedData string `json:"associated_data"`
	} `json:"resource"`
}

// VerifyWebhook checks the Wechatpay-Signature header (RSA-SHA256 over
// "timestamp\nnonce\nbody\n" with the platform certificate) and decrypts
// the notification resource.
func (a *WechatAdapter) VerifyWebhook(_ context.Context, headers http.Header, _ url.Values, body []byte) (*VerifiedEvent, error) {
	signature := headers.Get("Wechatpay-Signature")
	timestamp := headers.Get("Wechatpay-Timestamp")
	nonce := headers.Get("Wechatpay-Nonce")
	if signature == "" || timestamp == "" || nonce == "" {
		return nil, fmt.Errorf("%w: missing Wechatpay signature headers", ErrSignatureInvalid)
	}

	pub, err := parsePublicKey(a.cfg.PlatformCert)
	if err != nil {
		return nil, fmt.Errorf("%w: bad platform certificate: %v", ErrSignatureInvalid, err)
	}

	message := timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature not base64", ErrSignatureInvalid)
	}
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sigBytes); err != nil {
		return nil, ErrSignatureInvalid
	}

	var notification wechatNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, fmt.Errorf("%w: unparseable notification body", ErrSignatureInvalid)
	}

	plaintext, err := a.decryptResource(notification.Resource.Ciphertext, notification.Resource.Nonce, notification.Resource.AssociatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt wechat notification: %w", err)
	}

	var tx wechatTransaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted wechat resource: %w", err)
	}

	return &VerifiedEvent{
		EventID:       notification.ID,
		EventType:     notification.EventType,
		OrderNo:       tx.OutTradeNo,
		ProviderRef:   tx.OutTradeNo,
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount.Total,
	}, nil
}

// decryptResource opens the AES-256-GCM sealed notification payload with
// the APIv3 key.
func (a *WechatAdapter) decryptResource(ciphertext, nonce, associatedData string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext not base64: %w", err)
	}

	block, err := aes.NewCipher([]byte(a.cfg.APIv3Key))
	if err != nil {
		return nil, fmt.Errorf("bad APIv3 key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, []byte(nonce), data, []byte(associatedData))
}

func (a *WechatAdapter) call(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		util.ProviderRequestLatency.WithLabelValues("wechat", method+" "+strings.SplitN(path, "?", 2)[0]).Observe(time.Since(start).Seconds())
	}()

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal wechat payload: %w", err)
		}
	}

	auth, err := a.authorization(method, path, bodyBytes)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBase+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to build wechat request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		util.ProviderErrorsTotal.WithLabelValues("wechat", path).Inc()
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		util.ProviderErrorsTotal.WithLabelValues("wechat", path).Inc()
		a.logger.Error("WeChat Pay API error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: wechat returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: malformed wechat response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// authorization builds the WECHATPAY2-SHA256-RSA2048 header: merchant key
// signature over "METHOD\nPATH\ntimestamp\nnonce\nbody\n".
func (a *WechatAdapter) authorization(method, path string, body []byte) (string, error) {
	key, err := parsePrivateKey(a.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("bad wechat merchant private key: %w", err)
	}

	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	nonce := strings.ReplaceAll(uuid.New().String(), "-", "")

	message := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign wechat request: %w", err)
	}

	return fmt.Sprintf(
		`WECHATPAY2-SHA256-RSA2048 mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		a.cfg.MchID, nonce, base64.StdEncoding.EncodeToString(sig), timestamp, a.cfg.SerialNo,
	), nil
}
