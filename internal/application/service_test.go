package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testCredential = "NDI.stamp.signature"

func TestCredentialServiceAddNewIdentity(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	clock := mocks.NewMockClock(t)
	service := NewCredentialService(repo, store, clock)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.EXPECT().Now().Return(now)
	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(domain.IdentityRecord{}, domain.ErrIdentityNotFound)
	store.EXPECT().Put(mockAnyContext(), "credentials/42", testCredential).Return(nil)
	repo.EXPECT().Save(mockAnyContext(), domain.IdentityRecord{
		ID:        "42",
		Name:      "main",
		SecretRef: "credentials/42",
		Active:    true,
		UpdatedAt: now,
	}).Return(nil)

	record, err := service.Add(context.Background(), " main ", testCredential)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityID("42"), record.ID)
	assert.True(t, record.Active)
}

func TestCredentialServiceAddReactivatesExistingIdentity(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	clock := mocks.NewMockClock(t)
	service := NewCredentialService(repo, store, clock)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.EXPECT().Now().Return(now)
	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(domain.IdentityRecord{
		ID:        "42",
		Name:      "main",
		SecretRef: "legacy/42",
		Failures:  3,
	}, nil)
	store.EXPECT().Put(mockAnyContext(), "credentials/42", testCredential).Return(nil)
	repo.EXPECT().Save(mockAnyContext(), domain.IdentityRecord{
		ID:        "42",
		Name:      "main",
		SecretRef: "credentials/42",
		Active:    true,
		UpdatedAt: now,
	}).Return(nil)
	store.EXPECT().Delete(mockAnyContext(), "legacy/42").Return(nil)

	record, err := service.Add(context.Background(), "", testCredential)
	require.NoError(t, err)
	assert.Equal(t, 0, record.Failures)
}

func TestCredentialServiceAddRollsBackSecretWhenSaveFails(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	clock := mocks.NewMockClock(t)
	service := NewCredentialService(repo, store, clock)

	saveErr := errors.New("disk full")
	clock.EXPECT().Now().Return(time.Now())
	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(domain.IdentityRecord{}, domain.ErrIdentityNotFound)
	store.EXPECT().Put(mockAnyContext(), "credentials/42", testCredential).Return(nil)
	repo.EXPECT().Save(mockAnyContext(), mock.Anything).Return(saveErr)
	store.EXPECT().Delete(mockAnyContext(), "credentials/42").Return(nil)

	_, err := service.Add(context.Background(), "", testCredential)
	require.ErrorIs(t, err, saveErr)
}

func TestCredentialServiceAddJoinsRollbackFailure(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	clock := mocks.NewMockClock(t)
	service := NewCredentialService(repo, store, clock)

	saveErr := errors.New("disk full")
	deleteErr := errors.New("store locked")
	clock.EXPECT().Now().Return(time.Now())
	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(domain.IdentityRecord{}, domain.ErrIdentityNotFound)
	store.EXPECT().Put(mockAnyContext(), "credentials/42", testCredential).Return(nil)
	repo.EXPECT().Save(mockAnyContext(), mock.Anything).Return(saveErr)
	store.EXPECT().Delete(mockAnyContext(), "credentials/42").Return(deleteErr)

	_, err := service.Add(context.Background(), "", testCredential)
	require.ErrorIs(t, err, saveErr)
	require.ErrorIs(t, err, deleteErr)
}

func TestCredentialServiceAddRejectsInvalidCredential(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	service := NewCredentialService(repo, store, nil)

	_, err := service.Add(context.Background(), "", "not-a-credential")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestCredentialServiceRemoveRestoresRecordWhenSecretDeleteFails(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	service := NewCredentialService(repo, store, nil)

	record := domain.IdentityRecord{ID: "42", SecretRef: "credentials/42", Active: true}
	deleteErr := errors.New("store locked")
	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(record, nil)
	repo.EXPECT().Delete(mockAnyContext(), domain.IdentityID("42")).Return(nil)
	store.EXPECT().Delete(mockAnyContext(), "credentials/42").Return(deleteErr)
	repo.EXPECT().Save(mockAnyContext(), record).Return(nil)

	err := service.Remove(context.Background(), "42")
	require.ErrorIs(t, err, deleteErr)
}

func TestCredentialServiceRemoveToleratesMissingSecret(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	service := NewCredentialService(repo, store, nil)

	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(domain.IdentityRecord{ID: "42", SecretRef: "credentials/42"}, nil)
	repo.EXPECT().Delete(mockAnyContext(), domain.IdentityID("42")).Return(nil)
	store.EXPECT().Delete(mockAnyContext(), "credentials/42").Return(domain.ErrSecretNotFound)

	require.NoError(t, service.Remove(context.Background(), "42"))
}

func TestCredentialServiceCredential(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	store := mocks.NewMockSecretStore(t)
	service := NewCredentialService(repo, store, nil)

	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("42")).Return(domain.IdentityRecord{ID: "42", SecretRef: "credentials/42", Active: true}, nil)
	repo.EXPECT().GetByID(mockAnyContext(), domain.IdentityID("7")).Return(domain.IdentityRecord{ID: "7", SecretRef: "credentials/7"}, nil)
	store.EXPECT().Get(mockAnyContext(), "credentials/42").Return(testCredential, nil)

	credential, err := service.Credential(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, testCredential, credential)

	_, err = service.Credential(context.Background(), "7")
	require.ErrorIs(t, err, domain.ErrIdentityInactive)
}

func TestCredentialServiceListSortsByID(t *testing.T) {
	repo := mocks.NewMockIdentityRepository(t)
	service := NewCredentialService(repo, nil, nil)

	repo.EXPECT().List(mockAnyContext()).Return([]domain.IdentityRecord{{ID: "9"}, {ID: "12"}, {ID: "10"}}, nil)

	records, err := service.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []domain.IdentityID{"10", "12", "9"}, []domain.IdentityID{records[0].ID, records[1].ID, records[2].ID})
}

func mockAnyContext() interface{} {
	return mock.Anything
}
