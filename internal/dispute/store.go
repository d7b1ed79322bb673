package dispute

import (
	"context"
	"time"
)

// Store persists disputes and insurance claims.
type Store interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, f ListFilter) ([]*Dispute, error)
	// ActiveForMilestone returns the milestone's dispute that is not yet
	// resolved, or ErrNotFound.
	ActiveForMilestone(ctx context.Context, milestoneID string) (*Dispute, error)
	// SetResolutionTransaction points a resolved dispute at the transaction
	// that retried its failed money movement.
	SetResolutionTransaction(ctx context.Context, id, txID string, at time.Time) error

	CreateClaim(ctx context.Context, c *Claim) error
	UpdateClaim(ctx context.Context, c *Claim) error
	GetClaim(ctx context.Context, id string) (*Claim, error)
	GetClaimByTransaction(ctx context.Context, txID string) (*Claim, error)
	ListClaims(ctx context.Context, accountID string) ([]*Claim, error)
}
