package tronity

import "errors"

// Credential and token lifecycle errors.
var (
	// ErrAuthentication signals an unrecoverable credential problem.
	// Surfaced at startup; there is no point retrying with the same
	// client id and secret.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTemporaryAuth signals an auth failure the server is expected
	// to recover from. Callers back off and retry at their own cadence.
	ErrTemporaryAuth = errors.New("temporary authentication failure")

	// ErrInsecureTransport signals a refresh attempt against a non-TLS
	// endpoint. Checked before any network round trip.
	ErrInsecureTransport = errors.New("token endpoint is not using secure transport")

	// ErrUnsupportedService signals a session request for a service the
	// manager does not know how to construct.
	ErrUnsupportedService = errors.New("unsupported service")
)

// Fetch and command errors.
var (
	// ErrTooManyRequests signals account rate limiting. Callers must
	// wait out a long cooldown rather than retry at normal cadence.
	ErrTooManyRequests = errors.New("too many requests")

	// ErrRetrieval covers transport failures, unexpected status codes
	// and malformed response bodies during a fetch.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrAPICompatibility signals a response that violates the expected
	// API contract (for example a vehicle entry without a vin).
	ErrAPICompatibility = errors.New("API compatibility error")

	// ErrCommand signals a control command that could not be completed.
	// Local to the command invocation; never affects polling health.
	ErrCommand = errors.New("command failed")
)
