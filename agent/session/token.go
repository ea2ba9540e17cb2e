package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/driftmarket/agent/agent"
)

// tokenCheckInterval is how often the background loop re-evaluates token
// age.
const tokenCheckInterval = time.Minute

// TokenManager owns the gateway access token. The token value survives
// reconnects; the background refresh loop is scoped to one session and
// exits after requesting a restart, because the gateway re-authenticates
// per connection.
//
// TokenManager implements oauth2.TokenSource.
type TokenManager struct {
	issuer          agent.TokenIssuer
	deviceID        string
	refreshInterval time.Duration
	retryInterval   time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	token    *oauth2.Token
	issuedAt time.Time

	now   func() time.Time
	check time.Duration
}

// NewTokenManager builds a manager around the external issuer.
func NewTokenManager(issuer agent.TokenIssuer, deviceID string, refreshInterval, retryInterval time.Duration, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		issuer:          issuer,
		deviceID:        deviceID,
		refreshInterval: refreshInterval,
		retryInterval:   retryInterval,
		logger:          logger.With("component", "token"),
		now:             time.Now,
		check:           tokenCheckInterval,
	}
}

// EnsureFresh returns the current access token, refreshing it first when
// absent or older than the refresh interval. A failed refresh does not
// clear a previously issued token: the old token may still be honored by
// the gateway, so callers get it back instead of an error.
func (tm *TokenManager) EnsureFresh(ctx context.Context) (string, error) {
	tm.mu.Lock()
	current := tm.token
	age := tm.now().Sub(tm.issuedAt)
	tm.mu.Unlock()

	if current != nil && age < tm.refreshInterval {
		return current.AccessToken, nil
	}

	if err := tm.refresh(ctx); err != nil {
		if errors.Is(err, agent.ErrCredentialInvalid) {
			return "", err
		}
		if current != nil {
			tm.logger.Warn("refresh failed, keeping previous token", "error", err)
			return current.AccessToken, nil
		}
		return "", err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.token.AccessToken, nil
}

// Token implements oauth2.TokenSource over the managed token.
func (tm *TokenManager) Token() (*oauth2.Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token == nil {
		return nil, errors.New("no token issued yet")
	}
	return tm.token, nil
}

// Age reports how long ago the current token was issued.
func (tm *TokenManager) Age() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token == nil {
		return tm.refreshInterval // forces a refresh
	}
	return tm.now().Sub(tm.issuedAt)
}

func (tm *TokenManager) refresh(ctx context.Context) error {
	tm.logger.Info("refreshing access token")
	accessToken, err := tm.issuer.IssueToken(ctx, tm.deviceID)
	if err != nil {
		return err
	}

	now := tm.now()
	tm.mu.Lock()
	tm.token = &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      now.Add(tm.refreshInterval),
	}
	tm.issuedAt = now
	tm.mu.Unlock()

	tm.logger.Info("access token refreshed")
	return nil
}

// Run is the per-session background refresh loop. Every check interval it
// tests whether the token is due; after a successful refresh it calls
// requestRestart (the wire protocol re-authenticates per connection, so a
// new registration handshake is required) and returns. A rejected
// credential is fatal and returned to the caller; transient failures wait
// the retry interval and try again indefinitely.
func (tm *TokenManager) Run(ctx context.Context, requestRestart func()) error {
	for {
		if tm.Age() >= tm.refreshInterval {
			err := tm.refresh(ctx)
			switch {
			case err == nil:
				tm.logger.Info("token refreshed, requesting session restart")
				requestRestart()
				return nil
			case errors.Is(err, agent.ErrCredentialInvalid):
				tm.logger.Error("credential rejected by issuer, shutting down", "error", err)
				return err
			default:
				tm.logger.Error("token refresh failed, will retry", "error", err, "retry_in", tm.retryInterval)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(tm.retryInterval):
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tm.check):
		}
	}
}
