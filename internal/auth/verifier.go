package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSessionVerifier resolves admin sessions against the platform's auth
// endpoint. The core only consumes the yes/no plus user id.
type HTTPSessionVerifier struct {
	verifyURL string
	client    *http.Client
}

func NewHTTPSessionVerifier(verifyURL string) *HTTPSessionVerifier {
	return &HTTPSessionVerifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HTTPSessionVerifier) VerifyAdmin(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("verify session: status %d", resp.StatusCode)
	}

	var body struct {
		UserID  string `json:"user_id"`
		IsAdmin bool   `json:"is_admin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("verify session: decode: %w", err)
	}
	if !body.IsAdmin {
		return "", ErrUnauthorized
	}
	return body.UserID, nil
}
