package tronity

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSessionOverServer builds a session talking to a TLS test server,
// so the refresh secure-transport precondition passes.
func newSessionOverServer(t *testing.T, handler http.Handler) *Session {
	t.Helper()

	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	m := NewManager(ManagerConfig{
		TokenStore: newFakeTokenStore(),
		CacheStore: newFakeCacheStore(),
		HTTPClient: srv.Client(),
		APIBase:    srv.URL,
		Logger:     discardLogger(),
	})

	s, err := m.GetSession(ServiceTronity, Credential{ID: "client", Secret: "secret"})
	require.NoError(t, err)

	return s
}

func (s *Session) setTokenForTest(tok *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = tok
}

// decodeTokenRequest reads the grant_type and friends posted to the
// authentication endpoint.
func decodeTokenRequest(t *testing.T, r *http.Request) tokenRequest {
	t.Helper()

	var body tokenRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Login ---

func TestLogin_Created_ParsesToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, authPath, r.URL.Path)

		body := decodeTokenRequest(t, r)
		assert.Equal(t, "app", body.GrantType)
		assert.Equal(t, "client", body.ClientID)
		assert.Equal(t, "secret", body.ClientSecret)
		assert.Empty(t, r.Header.Get("Authorization"), "issuance requests go unsigned")

		writeJSON(w, http.StatusCreated, Token{AccessToken: "access-1", RefreshToken: "refresh-1"})
	})

	s := newSessionOverServer(t, handler)

	require.NoError(t, s.Login(t.Context()))

	tok := s.Token()
	require.NotNil(t, tok)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, 1, s.Logins())
}

func TestLogin_NonCreated_TemporaryAuthError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "nope"})
	})

	s := newSessionOverServer(t, handler)

	err := s.Login(t.Context())
	assert.ErrorIs(t, err, ErrTemporaryAuth)
	assert.ErrorContains(t, err, "403")
	assert.Nil(t, s.Token())
}

func TestLogin_TransportFailure_TemporaryAuthError(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	client := srv.Client()
	base := srv.URL
	srv.Close() // connection refused from here on

	m := NewManager(ManagerConfig{HTTPClient: client, APIBase: base, Logger: discardLogger()})

	s, err := m.GetSession(ServiceTronity, Credential{ID: "c", Secret: "s"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Login(t.Context()), ErrTemporaryAuth)
}

// --- Refresh ---

func TestRefresh_Created_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeTokenRequest(t, r)
		assert.Equal(t, "refresh_token", body.GrantType)
		assert.Equal(t, "old-refresh", body.RefreshToken)

		// No refresh_token in the response.
		writeJSON(w, http.StatusCreated, Token{AccessToken: "new-access"})
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "old-access", RefreshToken: "old-refresh"})

	require.NoError(t, s.Refresh(t.Context()))

	tok := s.Token()
	require.NotNil(t, tok)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "old-refresh", tok.RefreshToken, "previous refresh token must be retained")
}

func TestRefresh_Created_RotatesRefreshToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, Token{AccessToken: "new-access", RefreshToken: "new-refresh"})
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "old-access", RefreshToken: "old-refresh"})

	require.NoError(t, s.Refresh(t.Context()))

	tok := s.Token()
	require.NotNil(t, tok)
	assert.Equal(t, "new-refresh", tok.RefreshToken)
}

func TestRefresh_Unauthorized_FallsBackToLogin(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch body := decodeTokenRequest(t, r); body.GrantType {
		case "refresh_token":
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		case "app":
			writeJSON(w, http.StatusCreated, Token{AccessToken: "fresh-access", RefreshToken: "fresh-refresh"})
		default:
			t.Errorf("unexpected grant_type %q", body.GrantType)
		}
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "stale", RefreshToken: "rejected"})

	require.NoError(t, s.Refresh(t.Context()), "rejected refresh must fall back to login, not error")
	assert.Equal(t, 1, s.Logins(), "exactly one fresh login")

	tok := s.Token()
	require.NotNil(t, tok)
	assert.Equal(t, "fresh-access", tok.AccessToken)
}

func TestRefresh_ServerErrors_TemporaryAuthError(t *testing.T) {
	for _, status := range []int{
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		s := newSessionOverServer(t, handler)
		s.setTokenForTest(&Token{AccessToken: "a", RefreshToken: "r"})

		err := s.Refresh(t.Context())
		assert.ErrorIs(t, err, ErrTemporaryAuth, "status %d", status)
	}
}

func TestRefresh_UnrecognizedStatus_RetrievalError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "a", RefreshToken: "r"})

	err := s.Refresh(t.Context())
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.ErrorContains(t, err, "418")
}

func TestRefresh_InsecureTransport_NoNetworkCall(t *testing.T) {
	m := NewManager(ManagerConfig{
		HTTPClient: &http.Client{},
		APIBase:    "http://api.tronity.tech",
		Logger:     discardLogger(),
	})

	s, err := m.GetSession(ServiceTronity, Credential{ID: "c", Secret: "s"})
	require.NoError(t, err)

	err = s.Refresh(t.Context())
	assert.ErrorIs(t, err, ErrInsecureTransport)
	assert.Empty(t, s.Elapsed(), "precondition failure must not hit the network")
}

// --- Get ---

func TestGet_Success_ReturnsBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "access"})

	body, err := s.Get(t.Context(), "/tronity/vehicles")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
}

func TestGet_UnauthorizedThenOK_LoginsOnceAndReturnsPayload(t *testing.T) {
	var gets atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authPath {
			writeJSON(w, http.StatusCreated, Token{AccessToken: "renewed"})
			return
		}

		if gets.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		assert.Equal(t, "Bearer renewed", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]string{"vin": "WVW123"})
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "expired"})

	body, err := s.Get(t.Context(), "/tronity/vehicles")
	require.NoError(t, err)
	assert.JSONEq(t, `{"vin":"WVW123"}`, string(body))
	assert.Equal(t, 1, s.Logins(), "exactly one login for the retried call")
	assert.Equal(t, int32(2), gets.Load(), "the call is retried exactly once")
}

func TestGet_UnauthorizedTwice_RetrievalError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authPath {
			writeJSON(w, http.StatusCreated, Token{AccessToken: "renewed"})
			return
		}

		w.WriteHeader(http.StatusUnauthorized)
	})

	s := newSessionOverServer(t, handler)

	_, err := s.Get(t.Context(), "/tronity/vehicles")
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.ErrorContains(t, err, "even after re-authorization")
}

func TestGet_TooManyRequests(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	s := newSessionOverServer(t, handler)

	_, err := s.Get(t.Context(), "/tronity/vehicles")
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestGet_UnexpectedStatus_RetrievalError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	s := newSessionOverServer(t, handler)

	_, err := s.Get(t.Context(), "/tronity/vehicles")
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.ErrorContains(t, err, "502")
}

func TestGet_AllowedStatus_EmptyResultNoError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	s := newSessionOverServer(t, handler)

	body, err := s.Get(t.Context(), "/tronity/vehicles", AllowStatus(http.StatusNotFound))
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestGet_MalformedBody_RetrievalError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{broken`))
	})

	s := newSessionOverServer(t, handler)

	_, err := s.Get(t.Context(), "/tronity/vehicles")
	assert.ErrorIs(t, err, ErrRetrieval)
}

func TestGet_MalformedBody_AllowEmpty_ReturnsNil(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{broken`))
	})

	s := newSessionOverServer(t, handler)

	body, err := s.Get(t.Context(), "/tronity/vehicles", AllowEmpty())
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestGet_TransportFailure_RetrievalError(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	client := srv.Client()
	base := srv.URL
	srv.Close()

	m := NewManager(ManagerConfig{HTTPClient: client, APIBase: base, Logger: discardLogger()})

	s, err := m.GetSession(ServiceTronity, Credential{ID: "c", Secret: "s"})
	require.NoError(t, err)

	_, err = s.Get(t.Context(), "/tronity/vehicles")
	assert.ErrorIs(t, err, ErrRetrieval)
}

func TestGet_RecordsElapsed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	s := newSessionOverServer(t, handler)

	_, err := s.Get(t.Context(), "/tronity/vehicles")
	require.NoError(t, err)

	_, err = s.Get(t.Context(), "/tronity/vehicles")
	require.NoError(t, err)

	assert.Len(t, s.Elapsed(), 2)
}

// --- Post ---

func TestPost_ReturnsStatusAndBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "vehicle unreachable"})
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "access"})

	status, body, err := s.Post(t.Context(), "/tronity/vehicles/v1/control/start_charging", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "vehicle unreachable")
}

func TestPost_UnauthorizedThenOK_LoginsOnce(t *testing.T) {
	var posts atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authPath {
			writeJSON(w, http.StatusCreated, Token{AccessToken: "renewed"})
			return
		}

		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	s := newSessionOverServer(t, handler)
	s.setTokenForTest(&Token{AccessToken: "expired"})

	status, _, err := s.Post(t.Context(), "/tronity/vehicles/v1/control/start_charging", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, s.Logins())
}
