package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"payment-service/config"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// ErrUnauthorized means the auth service rejected the token.
var ErrUnauthorized = errors.New("invalid or expired token")

// AuthClient verifies bearer tokens against the auth service.
type AuthClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewAuthClient(cfg config.AuthConfig) *AuthClient {
	return &AuthClient{
		baseURL: cfg.ServiceURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  util.GetLogger(),
	}
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

type verifyTokenResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// VerifyToken returns the user ID the token belongs to, or
// ErrUnauthorized.
func (c *AuthClient) VerifyToken(ctx context.Context, token string) (string, error) {
	ctx, span := util.StartSpan(ctx, "AuthClient.VerifyToken")
	defer span.End()

	payload, err := json.Marshal(verifyTokenRequest{Token: token})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/verify", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var body verifyTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if !body.Valid || body.UserID == "" {
		c.logger.Debug("Token rejected by auth service", zap.String("reason", body.Error))
		return "", ErrUnauthorized
	}
	return body.UserID, nil
}
