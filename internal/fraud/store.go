package fraud

import (
	"context"
	"time"
)

// Store persists rules, alerts, cases and the watchlist.
type Store interface {
	CreateRule(ctx context.Context, r *Rule) error
	UpdateRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]*Rule, error)

	CreateAlert(ctx context.Context, a *Alert) error
	UpdateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	// CountAlerts counts a user's alerts of the given severity created at or
	// after since. False positives are excluded.
	CountAlerts(ctx context.Context, userID string, severity Severity, since time.Time) (int, error)

	CreateCase(ctx context.Context, c *Case) error
	UpdateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	// OpenCase returns the user's newest non-terminal case or ErrNotFound.
	OpenCase(ctx context.Context, userID string) (*Case, error)
	ListCases(ctx context.Context, f CaseFilter) ([]*Case, error)

	// AddToWatchlist inserts e unless the user is already listed, and
	// reports whether it did.
	AddToWatchlist(ctx context.Context, e *WatchlistEntry) (bool, error)
	GetWatchlistEntry(ctx context.Context, userID string) (*WatchlistEntry, error)
	ListWatchlist(ctx context.Context) ([]*WatchlistEntry, error)
}
