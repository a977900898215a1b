package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

var (
	ErrNoSecret      = errors.New("auth: app secret not configured")
	ErrNoApprovalKey = errors.New("auth: provider returned no approval key")
)

// approvalPath is the provider endpoint that issues websocket approval keys.
const approvalPath = "/oauth2/Approval"

// cacheName is the name under which the approval key is cached.
const cacheName = "approval_key"

// Config holds the provider credentials and key lifetime.
type Config struct {
	BaseURL string
	AppKey  string
	// TTL is how long an issued key is trusted. The provider grants 24h.
	TTL     time.Duration
	Timeout time.Duration
}

// Issuer hands out the provider approval key, issuing a new one only when the
// cached key is missing or about to expire. The app secret and the current
// key are held in memguard enclaves and opened only for the moment they are
// needed.
type Issuer struct {
	cfg   Config
	http  *http.Client
	cache KeyCache
	log   *zap.Logger

	mu        sync.Mutex
	secret    *memguard.Enclave
	key       *memguard.Enclave
	expiresAt time.Time

	now func() time.Time
}

// expiryMargin renews a key slightly before the provider stops honouring it.
const expiryMargin = time.Minute

// NewIssuer seals secret into an enclave; memguard wipes the caller's slice.
// cache may be nil.
func NewIssuer(cfg Config, secret []byte, cache KeyCache, log *zap.Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	iss := &Issuer{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: cache,
		log:   log.Named("auth"),
		now:   time.Now,
	}
	if len(secret) > 0 {
		iss.secret = memguard.NewEnclave(secret)
	}
	return iss
}

// ApprovalKey returns a valid approval key.
func (iss *Issuer) ApprovalKey(ctx context.Context) (string, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	now := iss.now()
	if iss.key != nil && now.Before(iss.expiresAt.Add(-expiryMargin)) {
		return openString(iss.key)
	}

	if iss.cache != nil {
		value, expiresAt, err := iss.cache.Get(ctx, cacheName)
		switch {
		case err == nil && now.Before(expiresAt.Add(-expiryMargin)):
			iss.store(value, expiresAt)
			return value, nil
		case err != nil && !errors.Is(err, ErrCacheMiss):
			iss.log.Warn("approval key cache read failed", zap.Error(err))
		}
	}

	iss.log.Info("issuing new approval key")
	value, err := iss.issue(ctx)
	if err != nil {
		return "", err
	}
	expiresAt := now.Add(iss.cfg.TTL)
	iss.store(value, expiresAt)

	if iss.cache != nil {
		if err := iss.cache.Set(ctx, cacheName, value, expiresAt); err != nil {
			iss.log.Warn("approval key cache write failed", zap.Error(err))
		}
	}
	return value, nil
}

// Destroy drops the cached key and the app secret.
func (iss *Issuer) Destroy() {
	iss.mu.Lock()
	iss.key = nil
	iss.secret = nil
	iss.expiresAt = time.Time{}
	iss.mu.Unlock()
}

// store seals value. Caller holds iss.mu.
func (iss *Issuer) store(value string, expiresAt time.Time) {
	iss.key = memguard.NewEnclave([]byte(value))
	iss.expiresAt = expiresAt
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// issue requests a fresh key. Caller holds iss.mu.
func (iss *Issuer) issue(ctx context.Context) (string, error) {
	if iss.secret == nil {
		return "", ErrNoSecret
	}
	buf, err := iss.secret.Open()
	if err != nil {
		return "", fmt.Errorf("auth: open secret enclave: %w", err)
	}
	body, err := json.Marshal(approvalRequest{
		GrantType: "client_credentials",
		AppKey:    iss.cfg.AppKey,
		SecretKey: string(buf.Bytes()),
	})
	buf.Destroy()
	if err != nil {
		return "", fmt.Errorf("auth: encode approval request: %w", err)
	}

	url := strings.TrimRight(iss.cfg.BaseURL, "/") + approvalPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth: build approval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; utf-8")

	resp, err := iss.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: approval request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("auth: approval request: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out approvalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth: decode approval response: %w", err)
	}
	if out.ApprovalKey == "" {
		return "", ErrNoApprovalKey
	}
	return out.ApprovalKey, nil
}

func openString(e *memguard.Enclave) (string, error) {
	buf, err := e.Open()
	if err != nil {
		return "", fmt.Errorf("auth: open key enclave: %w", err)
	}
	s := string(buf.Bytes())
	buf.Destroy()
	return s, nil
}
