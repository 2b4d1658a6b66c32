// Package auth verifies relay clients against the external backend API.
//
// Every check is a fresh round trip: nothing is cached, so a revoked
// credential or a removed conversation member is refused on the next call.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseBody = 1 << 20

	mePath           = "/auth/me"
	verifyAccessPath = "/conversations/%s/verify-access"
)

// Verifier calls the backend identity and access-check endpoints.
type Verifier struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	log        *zap.Logger
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithHTTPClient replaces the default HTTP client. The client is shared by
// every call and must be safe for concurrent use.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) {
		if c != nil {
			v.httpClient = c
		}
	}
}

// WithTimeout bounds each backend round trip.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithLogger sets the logger used for access-check failures.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// NewVerifier returns a Verifier for the backend rooted at baseURL
// (for example "https://api.example.com/api").
func NewVerifier(baseURL string, opts ...Option) *Verifier {
	v := &Verifier{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type meResponse struct {
	Success bool  `json:"success"`
	User    *User `json:"user"`
}

type verifyAccessResponse struct {
	HasAccess bool `json:"hasAccess"`
}

// Authenticate resolves the user owning credential. Failures are always an
// *AuthError.
func (v *Verifier) Authenticate(ctx context.Context, credential string) (User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return User{}, &AuthError{Reason: ReasonMissingCredential}
	}

	status, body, err := v.get(ctx, mePath, credential)
	if err != nil {
		return User{}, unreachable(err)
	}
	if status < 200 || status > 299 {
		return User{}, rejected("identity endpoint returned status %d", status)
	}

	var payload meResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return User{}, rejected("decode identity response: %w", err)
	}
	if !payload.Success {
		return User{}, rejected("identity endpoint reported failure")
	}
	if payload.User == nil || payload.User.ID == "" {
		return User{}, rejected("identity response has no user")
	}
	return *payload.User, nil
}

// AuthorizeConversation reports whether userID may join conversationID.
// Any failure to obtain a definite answer counts as no access.
func (v *Verifier) AuthorizeConversation(ctx context.Context, userID, conversationID, credential string) bool {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || strings.TrimSpace(credential) == "" {
		return false
	}

	log := v.log.With(zap.String("user_id", userID), zap.String("conversation_id", conversationID))

	status, body, err := v.get(ctx, fmt.Sprintf(verifyAccessPath, url.PathEscape(conversationID)), credential)
	if err != nil {
		log.Warn("Conversation access check failed", zap.Error(err))
		return false
	}
	if status < 200 || status > 299 {
		log.Warn("Conversation access check rejected", zap.Int("status", status))
		return false
	}

	var payload verifyAccessResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn("Conversation access response undecodable", zap.Error(err))
		return false
	}
	return payload.HasAccess
}

func (v *Verifier) get(ctx context.Context, path, credential string) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, v.baseURL+path, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}
