package authclient

import (
	"context"
	"log/slog"
	"sync"

	"github.com/posware/pos-agent/internal/identity"
	"github.com/posware/pos-agent/internal/state"
)

// Coordinator owns the session lifecycle spanning both backend
// services: logging in establishes both sessions, logging out tears
// down every trace of them. It is also the target of each service's
// auth-failure hook, so an unrecoverable 401 anywhere funnels into one
// logout.
type Coordinator struct {
	main       *Service
	sequelizer *Service
	provider   identity.Provider
	st         *state.Store
	logger     *slog.Logger

	// OnLoggedOut runs after every logout attempt, successful or not.
	// The caller uses it to drop back to its login flow.
	OnLoggedOut func()

	// loggingOut guards against the auth-failure hooks of both
	// services firing a logout storm at once.
	mu         sync.Mutex
	loggingOut bool
}

// NewCoordinator wires the two services' auth-failure hooks to a shared
// logout.
func NewCoordinator(main, sequelizer *Service, provider identity.Provider, st *state.Store, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		main:       main,
		sequelizer: sequelizer,
		provider:   provider,
		st:         st,
		logger:     logger,
	}

	main.onAuthFailure = func() { c.Logout(context.Background()) }
	sequelizer.onAuthFailure = func() { c.Logout(context.Background()) }

	return c
}

// Login establishes both backend sessions from the identity provider's
// current auth state. The main session is required; a sequelizer
// failure is reported but does not undo the main session.
func (c *Coordinator) Login(ctx context.Context) error {
	if err := c.main.Refresh(ctx); err != nil {
		return err
	}

	if err := c.sequelizer.Refresh(ctx); err != nil {
		return err
	}

	return nil
}

// Logout tears down both backend sessions, revokes the identity
// provider session, and sweeps every stored token entry, current or
// orphaned. Each step's failure is logged and swallowed so a dead
// network never strands local credentials, and OnLoggedOut always runs.
func (c *Coordinator) Logout(ctx context.Context) {
	c.mu.Lock()
	if c.loggingOut {
		c.mu.Unlock()
		return
	}

	c.loggingOut = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loggingOut = false
		c.mu.Unlock()

		if c.OnLoggedOut != nil {
			c.OnLoggedOut()
		}
	}()

	c.main.ClearSession()
	c.sequelizer.ClearSession()

	if err := c.provider.SignOut(ctx); err != nil {
		c.logger.Warn("identity provider sign-out failed", slog.Any("error", err))
	}

	c.sweep(c.main.cfg.StoragePrefix)
	c.sweep(c.sequelizer.cfg.StoragePrefix)
}

// sweep removes every durable token entry under a service's storage
// prefix, collecting orphans left behind by session rotation.
func (c *Coordinator) sweep(prefix string) {
	n, err := c.st.DeleteTokenPrefix(prefix)
	if err != nil {
		c.logger.Warn("sweeping stored tokens failed",
			slog.String("prefix", prefix),
			slog.Any("error", err),
		)

		return
	}

	if n > 0 {
		c.logger.Debug("swept stored tokens", slog.String("prefix", prefix), slog.Int("count", n))
	}
}
