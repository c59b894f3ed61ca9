package nersc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/nersc")

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 30 * time.Minute
	// treat tokens as expired slightly early to cover request latency
	expirySkew = 10 * time.Second
)

// TokenSource exchanges an RS256 client assertion for a Superfacility
// access token and caches it until shortly before expiry. Safe for
// concurrent use.
type TokenSource struct {
	mu       sync.Mutex
	clientID string
	keyPath  string
	tokenURL string
	client   *http.Client
	now      func() time.Time

	token  string
	expiry time.Time
}

func NewTokenSource(clientID, keyPath, tokenURL string, client *http.Client) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{
		clientID: clientID,
		keyPath:  keyPath,
		tokenURL: tokenURL,
		client:   client,
		now:      time.Now,
	}
}

// Token returns a valid access token, refreshing when the cached one is
// missing, expired, or forceRefresh is set. A cached valid token incurs
// no network traffic.
func (t *TokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	ctx, span := tracer.Start(ctx, "TokenSource.Token")
	defer span.End()

	span.SetAttributes(attribute.Bool("forceRefresh", forceRefresh))

	t.mu.Lock()
	defer t.mu.Unlock()

	if !forceRefresh && t.token != "" && t.now().Before(t.expiry) {
		span.SetStatus(codes.Ok, "returning cached token")
		return t.token, nil
	}

	token, expiresIn, err := t.refresh(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to refresh token")
		return "", err
	}

	t.token = token
	t.expiry = t.now().Add(time.Duration(expiresIn)*time.Second - expirySkew)

	span.SetStatus(codes.Ok, "refreshed token")
	return t.token, nil
}

func (t *TokenSource) refresh(ctx context.Context) (string, int64, error) {
	assertion, err := t.clientAssertion()
	if err != nil {
		return "", 0, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		t.tokenURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint returned an empty access token")
	}

	return body.AccessToken, body.ExpiresIn, nil
}

func (t *TokenSource) clientAssertion() (string, error) {
	keyPEM, err := os.ReadFile(t.keyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read client key: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to parse client key: %w", err)
	}

	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.clientID,
		Subject:   t.clientID,
		Audience:  jwt.ClaimStrings{t.tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}
