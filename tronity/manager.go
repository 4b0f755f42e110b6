package tronity

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Credential is an immutable client id and secret pair. Equality is by
// value, so it can key the session map directly.
type Credential struct {
	ID     string
	Secret string
}

// String returns the stable "id:secret" form hashed into the session
// identifier.
func (c Credential) String() string {
	return c.ID + ":" + c.Secret
}

// Service tags which remote backend a session authenticates against.
type Service string

// ServiceTronity is the only service currently supported.
const ServiceTronity Service = "Tronity"

// identifierPrefix namespaces session identifiers in the shared token
// and cache stores.
const identifierPrefix = "tronity-connect:"

// Identifier derives the deterministic store key for a (service,
// credential) pair: a prefixed SHA-512 hex digest of the service tag
// and the credential's string form.
func Identifier(service Service, credential Credential) string {
	sum := sha512.Sum512([]byte(string(service) + credential.String()))
	return identifierPrefix + hex.EncodeToString(sum[:])
}

type sessionKey struct {
	service    Service
	credential Credential
}

// ManagerConfig wires the session manager's collaborators. TokenStore
// and CacheStore are required; the rest default sensibly.
type ManagerConfig struct {
	TokenStore TokenStore
	CacheStore CacheStore

	// HTTPClient is shared by all sessions. Defaults to a client with
	// RequestTimeout applied.
	HTTPClient *http.Client

	// APIBase overrides the Tronity API base URL. Used by tests.
	APIBase string

	// RequestTimeout bounds each API round trip. Defaults to 180s.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Manager maps a (service, credential) pair to exactly one live
// session, seeding new sessions from the persistent stores and flushing
// them back on Persist.
type Manager struct {
	tokens TokenStore
	cache  CacheStore
	client *http.Client
	base   string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// NewManager creates a session manager over the given stores.
func NewManager(cfg ManagerConfig) *Manager {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	base := cfg.APIBase
	if base == "" {
		base = DefaultAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		tokens:   cfg.TokenStore,
		cache:    cfg.CacheStore,
		client:   client,
		base:     base,
		logger:   logger,
		sessions: make(map[sessionKey]*Session),
	}
}

// GetSession returns the live session for the given service and
// credential, creating it on first use. New sessions are seeded with
// any token, metadata and cache blob persisted under the pair's
// identifier. Calling GetSession twice with the same arguments returns
// the identical session.
func (m *Manager) GetSession(service Service, credential Credential) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey{service: service, credential: credential}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	if service != ServiceTronity {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedService, service)
	}

	identifier := Identifier(service, credential)

	var (
		token    *Token
		metadata map[string]string
		cache    []byte
	)

	if m.tokens != nil {
		rec, err := m.tokens.GetToken(identifier)
		if err != nil {
			return nil, fmt.Errorf("reading token store: %w", err)
		}

		if rec != nil {
			if rec.Token != nil {
				m.logger.Info("reusing tokens from previous session")
				token = rec.Token
			}

			metadata = rec.Metadata
		}
	}

	if m.cache != nil {
		blob, err := m.cache.GetCache(identifier)
		if err != nil {
			return nil, fmt.Errorf("reading cache store: %w", err)
		}

		cache = blob
	}

	s := newSession(credential, m.client, m.base, m.logger)
	s.token = token
	s.metadata = metadata
	s.cache = cache

	m.sessions[key] = s

	return s, nil
}

// Persist writes every live session's token, metadata and cache blob
// back to the stores, overwriting prior entries. Each session is
// snapshotted under its own lock so a concurrent refresh cannot produce
// a torn record. A store error aborts and propagates.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, s := range m.sessions {
		identifier := Identifier(key.service, key.credential)
		token, metadata, cache := s.snapshot()

		if m.tokens != nil {
			rec := TokenRecord{Token: token, Metadata: metadata}
			if err := m.tokens.SetToken(identifier, rec); err != nil {
				return fmt.Errorf("persisting token for %s: %w", key.service, err)
			}
		}

		if m.cache != nil {
			if err := m.cache.SetCache(identifier, cache); err != nil {
				return fmt.Errorf("persisting cache for %s: %w", key.service, err)
			}
		}
	}

	return nil
}
