package ports

import (
	"context"

	"github.com/bnema/questd/internal/domain"
)

// QuestAPI is the remote platform. Implementations retry transient failures and map
// rejected credentials to domain.ErrUnauthorized.
type QuestAPI interface {
	ListQuests(ctx context.Context, credential string) ([]domain.Quest, error)
	Enroll(ctx context.Context, credential string, questID string) error
}
