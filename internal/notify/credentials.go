package notify

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "stockly/internal/errors"
)

const (
	// MessagingScope is the OAuth scope required to send messages.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	// DefaultTokenURI is used when the service account omits token_uri.
	DefaultTokenURI = "https://oauth2.googleapis.com/token"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = time.Hour
	expiryLeeway   = time.Minute
)

// ServiceAccount is the subset of a service-account key file we need.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount decodes and checks a service-account JSON document.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("%w: decoding service account: %v", apperrors.ErrCredentials, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("%w: service account needs client_email and private_key", apperrors.ErrCredentials)
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return &sa, nil
}

// LoadServiceAccount reads the service account from inline JSON or, failing
// that, from a file path.
func LoadServiceAccount(inline, path string) (*ServiceAccount, error) {
	if strings.TrimSpace(inline) != "" {
		return ParseServiceAccount([]byte(inline))
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no service account configured", apperrors.ErrCredentials)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrCredentials, path, err)
	}
	return ParseServiceAccount(data)
}

// TokenSource hands out bearer tokens for the push gateway.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ServiceAccountTokenSource exchanges a signed JWT assertion for a bearer
// token and caches it until Invalidate is called or it nears expiry.
type ServiceAccountTokenSource struct {
	account *ServiceAccount
	key     *rsa.PrivateKey
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewServiceAccountTokenSource parses the account's PEM key up front so a
// bad key fails at startup instead of on the first alert.
func NewServiceAccountTokenSource(account *ServiceAccount, client *http.Client) (*ServiceAccountTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", apperrors.ErrCredentials, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ServiceAccountTokenSource{
		account: account,
		key:     key,
		client:  client,
		now:     time.Now,
	}, nil
}

// Token returns the cached bearer token, exchanging a new one when needed.
func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(expiryLeeway).Before(s.expiry) {
		return s.token, nil
	}

	token, expiry, err := s.exchange(ctx)
	if err != nil {
		return "", err
	}
	s.token, s.expiry = token, expiry
	return token, nil
}

// Invalidate drops the cached token.
func (s *ServiceAccountTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

func (s *ServiceAccountTokenSource) assertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   s.account.ClientEmail,
		"scope": MessagingScope,
		"aud":   s.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.account.PrivateKeyID != "" {
		tok.Header["kid"] = s.account.PrivateKeyID
	}
	return tok.SignedString(s.key)
}

func (s *ServiceAccountTokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	now := s.now()
	signed, err := s.assertion(now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: signing assertion: %v", apperrors.ErrCredentials, err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", signed)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("exchanging token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint returned status %d: %s",
			apperrors.ErrCredentials, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: decoding token response: %v", apperrors.ErrCredentials, err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: token response has no access_token", apperrors.ErrCredentials)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = assertionTTL
	}
	return tr.AccessToken, now.Add(ttl), nil
}

// StaticTokenSource always returns the same token. Useful against emulators.
type StaticTokenSource string

// Token returns the static token.
func (t StaticTokenSource) Token(context.Context) (string, error) { return string(t), nil }

// Invalidate is a no-op.
func (StaticTokenSource) Invalidate() {}
