package ports

import (
	"context"

	"github.com/bnema/questd/internal/domain"
)

type IdentityRepository interface {
	GetByID(ctx context.Context, id domain.IdentityID) (domain.IdentityRecord, error)
	List(ctx context.Context) ([]domain.IdentityRecord, error)
	Save(ctx context.Context, record domain.IdentityRecord) error
	Delete(ctx context.Context, id domain.IdentityID) error
}

// SolveRepository counts completed solves per quest.
type SolveRepository interface {
	Increment(ctx context.Context, questID string) (int, error)
	Get(ctx context.Context, questID string) (int, error)
}
