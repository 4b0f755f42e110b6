package tronity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Session owns the OAuth2 token for one credential and performs all
// authenticated traffic against the Tronity API.
//
// Token state moves NO_TOKEN -> AUTHENTICATED via Login, and back
// through AUTHENTICATED on every successful Refresh. A refresh the
// server rejects outright (401) transitions straight into a fresh
// login rather than surfacing an error; the invalid token is replaced,
// not lost.
//
// The token is guarded by a mutex: the polling loop refreshes it while
// command callers concurrently sign requests with it.
type Session struct {
	credential Credential
	httpClient *http.Client
	base       string
	logger     *slog.Logger

	mu       sync.Mutex
	token    *Token
	metadata map[string]string
	cache    []byte

	// logins counts fresh token issuances. Diagnostics only.
	logins int

	elapsedMu sync.Mutex
	elapsed   []time.Duration
}

func newSession(credential Credential, client *http.Client, base string, logger *slog.Logger) *Session {
	return &Session{
		credential: credential,
		httpClient: client,
		base:       base,
		logger:     logger,
	}
}

// Token returns a copy of the currently held token, or nil when the
// session has never authenticated.
func (s *Session) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil
	}

	t := *s.token

	return &t
}

// Cache returns the session's opaque cache blob.
func (s *Session) Cache() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cache
}

// SetCache replaces the session's opaque cache blob.
func (s *Session) SetCache(blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = blob
}

// Logins returns how many fresh token issuances this session has
// performed.
func (s *Session) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.logins
}

// snapshot copies the persistable session state under the token lock.
func (s *Session) snapshot() (*Token, map[string]string, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token *Token
	if s.token != nil {
		t := *s.token
		token = &t
	}

	return token, s.metadata, s.cache
}

// Elapsed returns the recorded per-request durations.
func (s *Session) Elapsed() []time.Duration {
	s.elapsedMu.Lock()
	defer s.elapsedMu.Unlock()

	out := make([]time.Duration, len(s.elapsed))
	copy(out, s.elapsed)

	return out
}

func (s *Session) recordElapsed(d time.Duration) {
	s.elapsedMu.Lock()
	defer s.elapsedMu.Unlock()

	s.elapsed = append(s.elapsed, d)
}

// Close releases the session's idle transport connections.
func (s *Session) Close() {
	s.httpClient.CloseIdleConnections()
}

// Login issues fresh tokens by posting client credentials to the
// authentication endpoint. The server signals success with 201; any
// other status is treated as a temporary failure for the caller's
// control loop to retry.
func (s *Session) Login(ctx context.Context) error {
	body := tokenRequest{
		GrantType:    "app",
		ClientID:     s.credential.ID,
		ClientSecret: s.credential.Secret,
	}

	status, respBody, err := s.postToken(ctx, body, "")
	if err != nil {
		return fmt.Errorf("%w: fetching tokens: %v", ErrTemporaryAuth, err)
	}

	if status != http.StatusCreated {
		return fmt.Errorf("%w: token could not be fetched, status %d", ErrTemporaryAuth, status)
	}

	token, err := parseToken(respBody)
	if err != nil {
		return fmt.Errorf("%w: parsing token response: %v", ErrTemporaryAuth, err)
	}

	s.mu.Lock()
	s.token = token
	s.logins++
	s.mu.Unlock()

	s.logger.Debug("fetched fresh tokens")

	return nil
}

// Refresh exchanges the held refresh token for a new token. The token
// endpoint must use secure transport; this is checked before any
// network traffic. A 401 means the server rejects the refresh token
// outright, which transitions into a fresh Login instead of an error.
func (s *Session) Refresh(ctx context.Context) error {
	if !strings.HasPrefix(s.base, "https://") {
		return fmt.Errorf("%w: %s", ErrInsecureTransport, s.base)
	}

	s.logger.Info("refreshing tokens")

	s.mu.Lock()
	var refreshToken, accessToken string
	if s.token != nil {
		refreshToken = s.token.RefreshToken
		accessToken = s.token.AccessToken
	}
	s.mu.Unlock()

	body := tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	}

	status, respBody, err := s.postToken(ctx, body, accessToken)
	if err != nil {
		return fmt.Errorf("%w: refreshing tokens: %v", ErrTemporaryAuth, err)
	}

	switch status {
	case http.StatusUnauthorized:
		s.logger.Info("server rejected refresh token, performing fresh login")
		return s.Login(ctx)
	case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: token could not be refreshed, status %d", ErrTemporaryAuth, status)
	case http.StatusCreated:
		token, err := parseToken(respBody)
		if err != nil {
			return fmt.Errorf("%w: parsing refresh response: %v", ErrRetrieval, err)
		}

		s.mu.Lock()
		if token.RefreshToken == "" {
			s.logger.Debug("no new refresh token given, re-using old")
			token.RefreshToken = refreshToken
		}
		s.token = token
		s.mu.Unlock()

		return nil
	default:
		return fmt.Errorf("%w: unexpected status %d while refreshing tokens", ErrRetrieval, status)
	}
}

// postToken posts a token request body. When accessToken is non-empty
// the request is signed with it; issuance requests go unsigned.
func (s *Session) postToken(ctx context.Context, body tokenRequest, accessToken string) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+authPath, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("posting to token endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	s.recordElapsed(time.Since(start))
	if err != nil {
		return 0, nil, fmt.Errorf("reading token response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

func parseToken(body []byte) (*Token, error) {
	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, err
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("response carries no access token")
	}

	return &token, nil
}

// Get performs an authenticated GET against the given API path and
// returns the JSON response body.
//
// A 401 triggers one fresh login and a single retry of the same call.
// 429 maps to ErrTooManyRequests, transport failures and unexpected
// statuses to ErrRetrieval. Statuses listed via AllowStatus return an
// empty result without error, as does a malformed body when AllowEmpty
// is set.
func (s *Session) Get(ctx context.Context, path string, opts ...RequestOption) ([]byte, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	status, body, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusMultiStatus:
		return s.decodeBody(path, body, &o)
	case status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: could not fetch %s, status %d", ErrTooManyRequests, path, status)
	case status == http.StatusUnauthorized:
		s.logger.Info("server asks for new authorization")

		if err := s.Login(ctx); err != nil {
			return nil, fmt.Errorf("%w: re-authorization failed: %v", ErrRetrieval, err)
		}

		status, body, err = s.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		if status == http.StatusOK || status == http.StatusMultiStatus {
			return s.decodeBody(path, body, &o)
		}

		if o.statusAllowed(status) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: could not fetch %s even after re-authorization, status %d", ErrRetrieval, path, status)
	case o.statusAllowed(status):
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: could not fetch %s, status %d", ErrRetrieval, path, status)
	}
}

// Post performs an authenticated POST and returns the raw status and
// body for the caller to interpret. A 401 triggers one fresh login and
// a single retry; transport failures map to ErrRetrieval.
func (s *Session) Post(ctx context.Context, path string, body any) (int, []byte, error) {
	status, respBody, err := s.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return 0, nil, err
	}

	if status == http.StatusUnauthorized {
		s.logger.Info("server asks for new authorization")

		if err := s.Login(ctx); err != nil {
			return 0, nil, fmt.Errorf("%w: re-authorization failed: %v", ErrRetrieval, err)
		}

		return s.do(ctx, http.MethodPost, path, body)
	}

	return status, respBody, nil
}

func (s *Session) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: marshalling request body: %v", ErrRetrieval, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: creating request: %v", ErrRetrieval, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	s.mu.Lock()
	if s.token != nil {
		req.Header.Set("Authorization", "Bearer "+s.token.AccessToken)
	}
	s.mu.Unlock()

	start := time.Now()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrRetrieval, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	s.recordElapsed(time.Since(start))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading response from %s: %v", ErrRetrieval, path, err)
	}

	return resp.StatusCode, respBody, nil
}

func (s *Session) decodeBody(path string, body []byte, o *requestOptions) ([]byte, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		if o.allowEmpty {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: malformed JSON in response from %s", ErrRetrieval, path)
	}

	return body, nil
}
