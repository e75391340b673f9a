package provider

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"payment-service/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wechatTestAPIv3Key = "0123456789abcdef0123456789abcdef"

func sealWechatResource(t *testing.T, apiKey, nonce, associatedData string, plaintext []byte) string {
	t.Helper()
	block, err := aes.NewCipher([]byte(apiKey))
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	sealed := gcm.Seal(nil, []byte(nonce), plaintext, []byte(associatedData))
	return base64.StdEncoding.EncodeToString(sealed)
}

func wechatNotificationBody(t *testing.T) []byte {
	t.Helper()
	tx := map[string]interface{}{
		"out_trade_no":   "WX1700000000000ABCDEF",
		"transaction_id": "4200001234",
		"trade_state":    "SUCCESS",
		"amount":         map[string]int64{"total": 2900},
	}
	plaintext, err := json.Marshal(tx)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"id":         "EV-2026-0001",
		"event_type": "TRANSACTION.SUCCESS",
		"resource": map[string]string{
			"algorithm":       "AEAD_AES_256_GCM",
			"ciphertext":      sealWechatResource(t, wechatTestAPIv3Key, "abc123def456", "transaction", plaintext),
			"nonce":           "abc123def456",
			"associated_data": "transaction",
		},
	})
	require.NoError(t, err)
	return body
}

func signWechatNotification(t *testing.T, key *rsa.PrivateKey, timestamp, nonce string, body []byte) string {
	t.Helper()
	message := timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func wechatSignedHeaders(t *testing.T, key *rsa.PrivateKey, body []byte) http.Header {
	t.Helper()
	headers := http.Header{}
	headers.Set("Wechatpay-Timestamp", "1767168000")
	headers.Set("Wechatpay-Nonce", "nonce-1")
	headers.Set("Wechatpay-Signature", signWechatNotification(t, key, "1767168000", "nonce-1", body))
	return headers
}

func TestWechatVerifyWebhook(t *testing.T) {
	key, pubPEM := generateTestKey(t)
	body := wechatNotificationBody(t)

	a := NewWechatAdapter(config.WechatConfig{APIv3Key: wechatTestAPIv3Key, PlatformCert: pubPEM}, nil)
	event, err := a.VerifyWebhook(context.Background(), wechatSignedHeaders(t, key, body), nil, body)
	require.NoError(t, err)

	assert.Equal(t, "EV-2026-0001", event.EventID)
	assert.Equal(t, "TRANSACTION.SUCCESS", event.EventType)
	assert.Equal(t, "WX1700000000000ABCDEF", event.OrderNo)
	assert.Equal(t, "4200001234", event.TransactionID)
	assert.Equal(t, int64(2900), event.Amount)
}

func TestWechatVerifyWebhookRejectsWrongKey(t *testing.T) {
	key, _ := generateTestKey(t)
	_, otherPub := generateTestKey(t)
	body := wechatNotificationBody(t)

	a := NewWechatAdapter(config.WechatConfig{APIv3Key: wechatTestAPIv3Key, PlatformCert: otherPub}, nil)
	_, err := a.VerifyWebhook(context.Background(), wechatSignedHeaders(t, key, body), nil, body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWechatVerifyWebhookRejectsTamperedBody(t *testing.T) {
	key, pubPEM := generateTestKey(t)
	body := wechatNotificationBody(t)
	headers := wechatSignedHeaders(t, key, body)

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = 'X'

	a := NewWechatAdapter(config.WechatConfig{APIv3Key: wechatTestAPIv3Key, PlatformCert: pubPEM}, nil)
	_, err := a.VerifyWebhook(context.Background(), headers, nil, tampered)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWechatVerifyWebhookRejectsMissingHeaders(t *testing.T) {
	_, pubPEM := generateTestKey(t)
	a := NewWechatAdapter(config.WechatConfig{APIv3Key: wechatTestAPIv3Key, PlatformCert: pubPEM}, nil)

	_, err := a.VerifyWebhook(context.Background(), http.Header{}, nil, wechatNotificationBody(t))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWechatVerifyWebhookBadAPIv3KeyFailsDecrypt(t *testing.T) {
	key, pubPEM := generateTestKey(t)
	body := wechatNotificationBody(t)

	a := NewWechatAdapter(config.WechatConfig{APIv3Key: "ffffffffffffffffffffffffffffffff", PlatformCert: pubPEM}, nil)
	_, err := a.VerifyWebhook(context.Background(), wechatSignedHeaders(t, key, body), nil, body)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSignatureInvalid)
}

func wechatMerchantKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, _ := generateTestKey(t)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return string(keyPEM), key
}

func TestWechatCreateOrderNative(t *testing.T) {
	keyPEM, _ := wechatMerchantKeyPEM(t)

	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"code_url":"weixin://wxpay/bizpayurl?pr=abc"}`)
	}))
	defer srv.Close()

	a := NewWechatAdapter(config.WechatConfig{
		APIBase:    srv.URL,
		AppID:      "wx123",
		MchID:      "1900001",
		SerialNo:   "SER123",
		PrivateKey: keyPEM,
		NotifyURL:  "https://pay.example.com/webhooks/wechat",
	}, srv.Client())

	handle, err := a.CreateOrder(context.Background(), CreateOrderRequest{
		OrderNo:     "WX1700000000000ABCDEF",
		Amount:      2900,
		Currency:    "CNY",
		Description: "Pro monthly",
		UserID:      "user-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "weixin://wxpay/bizpayurl?pr=abc", handle.CodeURL)
	assert.Equal(t, "WX1700000000000ABCDEF", handle.ProviderRef)
	assert.Contains(t, gotAuth, `WECHATPAY2-SHA256-RSA2048 mchid="1900001"`)
	assert.Contains(t, gotAuth, `serial_no="SER123"`)
	assert.Contains(t, string(gotBody), `"total":2900`)
}

func TestWechatCreateOrderRejectsUnknownVariant(t *testing.T) {
	a := NewWechatAdapter(config.WechatConfig{}, nil)
	_, err := a.CreateOrder(context.Background(), CreateOrderRequest{MethodVariant: "h5"})
	assert.Error(t, err)
}
