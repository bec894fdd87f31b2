package notify

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FCMConfig configures the FCM HTTP v1 sender. Credentials come from a
// service account; the private key must never be logged.
type FCMConfig struct {
	ProjectID   string
	ClientEmail string
	// PrivateKeyPEM is the service account's RSA key in PEM form.
	PrivateKeyPEM string

	// Endpoint and TokenURL are overridable for tests.
	Endpoint string
	TokenURL string

	HTTPTimeout time.Duration
}

func (c FCMConfig) withDefaults() FCMConfig {
	out := c
	if out.Endpoint == "" {
		out.Endpoint = fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", out.ProjectID)
	}
	if out.TokenURL == "" {
		out.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	return out
}

// FCMSender sends wake notifications through FCM HTTP v1. OAuth access tokens
// are minted from a signed service-account assertion and cached until shortly
// before expiry.
type FCMSender struct {
	cfg    FCMConfig
	key    *rsa.PrivateKey
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	clock func() time.Time
}

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

func NewFCMSender(cfg FCMConfig) (*FCMSender, error) {
	cfg = cfg.withDefaults()
	if cfg.ProjectID == "" || cfg.ClientEmail == "" || cfg.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("notify: fcm project id, client email and private key are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("notify: parse fcm private key: %w", err)
	}
	return &FCMSender{
		cfg:    cfg,
		key:    key,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		clock:  time.Now,
	}, nil
}

func (s *FCMSender) Send(ctx context.Context, token string, p Payload) error {
	accessToken, err := s.accessTokenFor(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	msg := fcmMessage{}
	msg.Message.Token = token
	msg.Message.Notification.Title = p.Title
	msg.Message.Notification.Body = p.Body
	msg.Message.Data = p.Data
	if p.HighPriority {
		msg.Message.Android = &fcmAndroid{Priority: "HIGH"}
		msg.Message.APNS = &fcmAPNS{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: map[string]any{
				"aps": map[string]any{"interruption-level": "time-sensitive"},
			},
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: fcm status %d: %s", ErrDelivery, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// accessTokenFor returns a cached OAuth token, exchanging a fresh signed
// assertion when the cache is empty or about to expire.
func (s *FCMSender) accessTokenFor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.accessToken != "" && now.Before(s.tokenExpiry.Add(-time.Minute)) {
		return s.accessToken, nil
	}

	assertion, err := s.signAssertion(now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token exchange status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned empty access_token")
	}

	s.accessToken = tok.AccessToken
	s.tokenExpiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	return s.accessToken, nil
}

func (s *FCMSender) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   s.cfg.ClientEmail,
		"scope": fcmScope,
		"aud":   s.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

type fcmMessage struct {
	Message struct {
		Token        string `json:"token"`
		Notification struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"notification"`
		Data    map[string]string `json:"data,omitempty"`
		Android *fcmAndroid       `json:"android,omitempty"`
		APNS    *fcmAPNS          `json:"apns,omitempty"`
	} `json:"message"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
}
