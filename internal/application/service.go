package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
)

// CredentialService keeps identity records and their credentials in sync. The
// credential itself only ever lives in the secret store.
type CredentialService struct {
	repo  ports.IdentityRepository
	store ports.SecretStore
	clock ports.Clock
}

func NewCredentialService(repo ports.IdentityRepository, store ports.SecretStore, clock ports.Clock) *CredentialService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &CredentialService{
		repo:  repo,
		store: store,
		clock: clock,
	}
}

func SecretRefFor(id domain.IdentityID) string {
	return "credentials/" + string(id)
}

// Add stores a credential and (re)activates its identity.
func (s *CredentialService) Add(ctx context.Context, name, credential string) (domain.IdentityRecord, error) {
	identity, err := domain.ParseIdentity(credential)
	if err != nil {
		return domain.IdentityRecord{}, err
	}

	record, err := s.repo.GetByID(ctx, identity.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrIdentityNotFound) {
			return domain.IdentityRecord{}, fmt.Errorf("get identity by id: %w", err)
		}
		record = domain.IdentityRecord{ID: identity.ID, Name: fmt.Sprintf("Identity %s", identity.ID)}
	}
	original := record
	previousRef := record.SecretRef
	secretKey := SecretRefFor(identity.ID)

	if err := s.store.Put(ctx, secretKey, identity.Credential); err != nil {
		return domain.IdentityRecord{}, fmt.Errorf("store credential: %w", err)
	}

	if trimmed := strings.TrimSpace(name); trimmed != "" {
		record.Name = trimmed
	}
	record.SecretRef = secretKey
	record.Active = true
	record.Failures = 0
	record.UpdatedAt = s.clock.Now()

	if err := s.repo.Save(ctx, record); err != nil {
		if previousRef == secretKey {
			return domain.IdentityRecord{}, fmt.Errorf("save identity: %w", err)
		}
		if rollbackErr := s.store.Delete(ctx, secretKey); rollbackErr != nil {
			return domain.IdentityRecord{}, fmt.Errorf("save identity and rollback stored credential: %w", errors.Join(err, rollbackErr))
		}
		return domain.IdentityRecord{}, fmt.Errorf("save identity: %w", err)
	}

	if previousRef != "" && previousRef != secretKey {
		if err := s.store.Delete(ctx, previousRef); err != nil {
			var rollbackErr error
			if restoreErr := s.repo.Save(ctx, original); restoreErr != nil {
				rollbackErr = errors.Join(rollbackErr, restoreErr)
			}
			if deleteErr := s.store.Delete(ctx, secretKey); deleteErr != nil {
				rollbackErr = errors.Join(rollbackErr, deleteErr)
			}
			if rollbackErr != nil {
				return domain.IdentityRecord{}, fmt.Errorf("delete previous credential and rollback: %w", errors.Join(err, rollbackErr))
			}
			return domain.IdentityRecord{}, fmt.Errorf("delete previous credential: %w", err)
		}
	}

	return record, nil
}

// Remove deletes the identity record and its stored credential. If the secret
// cannot be deleted the record is restored so the secret is not orphaned.
func (s *CredentialService) Remove(ctx context.Context, id domain.IdentityID) error {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get identity by id: %w", err)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if record.SecretRef == "" {
		return nil
	}

	if err := s.store.Delete(ctx, record.SecretRef); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		if restoreErr := s.repo.Save(ctx, record); restoreErr != nil {
			return fmt.Errorf("delete credential and restore identity: %w", errors.Join(err, restoreErr))
		}
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *CredentialService) List(ctx context.Context) ([]domain.IdentityRecord, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Credential returns the stored credential of an active identity.
func (s *CredentialService) Credential(ctx context.Context, id domain.IdentityID) (string, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get identity by id: %w", err)
	}
	if !record.Active {
		return "", domain.ErrIdentityInactive
	}
	if record.SecretRef == "" {
		return "", domain.ErrSecretNotFound
	}

	credential, err := s.store.Get(ctx, record.SecretRef)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	return credential, nil
}
