package tronity

import "time"

// Default Tronity API endpoints. Overridable per session for tests.
const (
	DefaultAPIBase = "https://api.tronity.tech"
	authPath       = "/authentication"
)

// Token is the bearer credential bundle issued by the authentication
// endpoint. RefreshToken is optional; a refresh response that omits it
// does not invalidate the previously held one.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// TokenRecord is what the token store persists per session identifier.
type TokenRecord struct {
	Token    *Token            `json:"token,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TokenStore persists token records keyed by session identifier.
// A missing key returns (nil, nil).
type TokenStore interface {
	GetToken(identifier string) (*TokenRecord, error)
	SetToken(identifier string, record TokenRecord) error
}

// CacheStore persists opaque per-session cache blobs keyed by session
// identifier. A missing key returns (nil, nil).
type CacheStore interface {
	GetCache(identifier string) ([]byte, error)
	SetCache(identifier string, blob []byte) error
}

// tokenRequest is the body posted to the authentication endpoint for
// both issuance (grant_type "app") and refresh (grant_type
// "refresh_token").
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RequestOption adjusts how an authenticated request classifies its
// response.
type RequestOption func(*requestOptions)

type requestOptions struct {
	allowEmpty      bool
	allowedStatuses []int
}

// AllowEmpty makes a malformed or absent JSON body yield a nil result
// instead of a retrieval error.
func AllowEmpty() RequestOption {
	return func(o *requestOptions) { o.allowEmpty = true }
}

// AllowStatus tolerates the given non-success status codes: instead of
// a retrieval error the request returns an empty result.
func AllowStatus(codes ...int) RequestOption {
	return func(o *requestOptions) { o.allowedStatuses = append(o.allowedStatuses, codes...) }
}

func (o *requestOptions) statusAllowed(code int) bool {
	for _, c := range o.allowedStatuses {
		if c == code {
			return true
		}
	}

	return false
}

// defaultRequestTimeout bounds a single API round trip so the polling
// loop cannot hang on a dead connection.
const defaultRequestTimeout = 180 * time.Second
