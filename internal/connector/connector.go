// Package connector drives the background polling loop that keeps the
// garage in sync with the Tronity API.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evgrid/tronity-connect/internal/garage"
	"github.com/evgrid/tronity-connect/tronity"
)

//go:generate mockgen -source=connector.go -destination=mock_client_test.go -package=connector

// client is the slice of the Tronity session the connector drives.
// *tronity.Session satisfies this interface.
type client interface {
	Get(ctx context.Context, path string, opts ...tronity.RequestOption) ([]byte, error)
	Post(ctx context.Context, path string, body any) (int, []byte, error)
	Close()
}

// persister flushes live sessions to the token and cache stores.
// *tronity.Manager satisfies this interface.
type persister interface {
	Persist() error
}

// ConnectionState summarizes the health of the most recent fetch cycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

const (
	// defaultNextInterval is the fallback sleep between cycles when no
	// interval is configured.
	defaultNextInterval = 300 * time.Second

	// rateLimitCooldown is the fixed wait after the API reports too
	// many requests. Retrying at normal cadence would keep tripping
	// the account limit.
	rateLimitCooldown = 900 * time.Second
)

// Options configures a Connector.
type Options struct {
	// ID identifies this connector as the manager of the vehicles it
	// registers. Defaults to "tronity".
	ID string

	// Interval between successful fetch cycles.
	Interval time.Duration

	Logger *slog.Logger
}

// Connector polls the Tronity API on a fixed cadence and writes
// vehicle state into the garage. One background goroutine runs the
// loop; command methods may be called concurrently from other
// goroutines and share the session's token.
type Connector struct {
	id      string
	api     client
	manager persister
	garage  *garage.Garage
	logger  *slog.Logger

	interval time.Duration

	mu         sync.Mutex
	connState  ConnectionState
	healthy    bool
	lastUpdate time.Time
}

// New creates a connector over the given session, session manager and
// garage.
func New(api client, manager persister, g *garage.Garage, opts Options) *Connector {
	id := opts.ID
	if id == "" {
		id = "tronity"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Connector{
		id:        id,
		api:       api,
		manager:   manager,
		garage:    g,
		logger:    logger,
		interval:  opts.Interval,
		connState: StateDisconnected,
	}
}

// ConnectionState returns the state observed after the most recent
// fetch cycle.
func (c *Connector) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connState
}

// Healthy reports whether the connector considers itself operational.
// It turns false only when an unclassified error terminates the loop.
func (c *Connector) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.healthy
}

// LastUpdate returns when the last fetch cycle succeeded.
func (c *Connector) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastUpdate
}

func (c *Connector) setConnectionState(s ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connState = s
}

func (c *Connector) setHealthy(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy = v
}

func (c *Connector) markUpdated() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUpdate = time.Now().UTC()
}

// Run executes the polling loop until ctx is cancelled or an
// unclassified error escapes a fetch cycle. Classified failures set
// the connection state to error and wait out a failure-specific
// interval; cancellation interrupts the wait immediately. Run returns
// nil on clean cancellation.
func (c *Connector) Run(ctx context.Context) error {
	c.setHealthy(true)
	c.logger.Info("starting polling loop", slog.Duration("interval", c.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		next := defaultNextInterval

		err := c.fetchAll(ctx)
		if c.interval > 0 {
			next = c.interval
		}

		switch {
		case err == nil:
			c.setConnectionState(StateConnected)
			c.markUpdated()
		case ctx.Err() != nil:
			// The fetch failed because shutdown cancelled it.
			return nil
		case errors.Is(err, tronity.ErrTooManyRequests):
			c.logger.Error("too many requests from your account, retrying after cooldown",
				slog.String("error", err.Error()),
				slog.Duration("cooldown", rateLimitCooldown),
			)
			c.setConnectionState(StateError)
			next = rateLimitCooldown
		case errors.Is(err, tronity.ErrRetrieval):
			c.logger.Error("retrieval error during update, retrying after configured interval",
				slog.String("error", err.Error()),
				slog.Duration("interval", next),
			)
			c.setConnectionState(StateError)
		case errors.Is(err, tronity.ErrAPICompatibility):
			c.logger.Error("API compatibility error during update, retrying after configured interval",
				slog.String("error", err.Error()),
				slog.Duration("interval", next),
			)
			c.setConnectionState(StateError)
		case errors.Is(err, tronity.ErrTemporaryAuth):
			c.logger.Error("temporary authentication error during update, retrying after configured interval",
				slog.String("error", err.Error()),
				slog.Duration("interval", next),
			)
			c.setConnectionState(StateError)
		default:
			// Anything unanticipated is a programming or environment
			// error. Fail loud rather than retry forever.
			c.logger.Error("critical error during update", slog.String("error", err.Error()))
			c.setConnectionState(StateError)
			c.setHealthy(false)

			return fmt.Errorf("update cycle: %w", err)
		}

		if !c.wait(ctx, next) {
			return nil
		}
	}
}

// wait sleeps for d or until ctx is cancelled. Returns false on
// cancellation.
func (c *Connector) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Shutdown completes the ordered teardown after Run has returned:
// persist all sessions, close the transport, then release vehicles
// exclusively managed by this connector.
func (c *Connector) Shutdown() error {
	if err := c.manager.Persist(); err != nil {
		return fmt.Errorf("persisting sessions: %w", err)
	}

	c.api.Close()

	for _, vin := range c.garage.VINs() {
		v := c.garage.Get(vin)
		if v != nil && v.ManagedOnlyBy(c.id) {
			c.garage.Remove(vin)
		}
	}

	c.setConnectionState(StateDisconnected)

	return nil
}
