package toml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bnema/questd/internal/domain"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentityRepo(t *testing.T, path string) *IdentityRepository {
	t.Helper()

	config := viper.New()
	config.Set("identities.path", path)
	repo, err := NewIdentityRepository(config)
	require.NoError(t, err)
	return repo
}

func TestIdentityRepositoryRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newIdentityRepo(t, filepath.Join(t.TempDir(), "identities.toml"))

	updated := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	first := domain.IdentityRecord{ID: "42", Name: "Main", SecretRef: "credentials/42", Active: true, UpdatedAt: updated}
	second := domain.IdentityRecord{ID: "17", Name: "Alt", SecretRef: "credentials/17", Failures: 3, UpdatedAt: updated}

	require.NoError(t, repo.Save(context.Background(), first))
	require.NoError(t, repo.Save(context.Background(), second))

	got, err := repo.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	records, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.IdentityRecord{second, first}, records)
}

func TestIdentityRepositorySaveReplacesExisting(t *testing.T) {
	t.Parallel()

	repo := newIdentityRepo(t, filepath.Join(t.TempDir(), "identities.toml"))

	record := domain.IdentityRecord{ID: "42", Name: "Main", Active: true}
	require.NoError(t, repo.Save(context.Background(), record))

	record.Active = false
	record.Failures = 3
	require.NoError(t, repo.Save(context.Background(), record))

	records, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Active)
	assert.Equal(t, 3, records[0].Failures)
}

func TestIdentityRepositoryDelete(t *testing.T) {
	t.Parallel()

	repo := newIdentityRepo(t, filepath.Join(t.TempDir(), "identities.toml"))
	require.NoError(t, repo.Save(context.Background(), domain.IdentityRecord{ID: "42", Active: true}))
	require.NoError(t, repo.Save(context.Background(), domain.IdentityRecord{ID: "43", Active: true}))

	require.NoError(t, repo.Delete(context.Background(), "42"))

	_, err := repo.GetByID(context.Background(), "42")
	require.ErrorIs(t, err, domain.ErrIdentityNotFound)

	err = repo.Delete(context.Background(), "42")
	require.ErrorIs(t, err, domain.ErrIdentityNotFound)

	records, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.IdentityID("43"), records[0].ID)
}

func TestIdentityRepositorySaveCreatesDefaultPathAndEnforcesPermissions(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)

	repo, err := NewIdentityRepository(viper.New())
	require.NoError(t, err)

	require.NoError(t, repo.Save(context.Background(), domain.IdentityRecord{ID: "42", Active: true}))

	path := filepath.Join(homeDir, ".questd", "identities.toml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestIdentityRepositoryUsesStorageDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	config := viper.New()
	config.Set("storage.dir", dir)

	repo, err := NewIdentityRepository(config)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), domain.IdentityRecord{ID: "42"}))

	_, err = os.Stat(filepath.Join(dir, "identities.toml"))
	require.NoError(t, err)
}

func TestIdentityRepositoryMissingFileBehaviors(t *testing.T) {
	t.Parallel()

	repo := newIdentityRepo(t, filepath.Join(t.TempDir(), "missing", "identities.toml"))

	records, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = repo.GetByID(context.Background(), "42")
	require.ErrorIs(t, err, domain.ErrIdentityNotFound)
}

func TestIdentityRepositoryMalformedTOMLReturnsError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identities.toml")
	require.NoError(t, os.WriteFile(path, []byte("identities = ["), 0o600))

	_, err := newIdentityRepo(t, path).List(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "decode identities file")
}

func TestIdentityRepositoryFutureSchemaVersionReturnsError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identities.toml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"version = 999",
		"",
		"identities = []",
		"",
	}, "\n")), 0o600))

	_, err := newIdentityRepo(t, path).List(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "unsupported identities schema version")
}

func TestIdentityRepositorySerializedTOMLIncludesVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identities.toml")
	require.NoError(t, newIdentityRepo(t, path).Save(context.Background(), domain.IdentityRecord{ID: "42"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "version = 1")
	assert.Contains(t, string(data), "[[identities]]")
}

func TestIdentityRepositorySaveCanceledContextReturnsContextError(t *testing.T) {
	t.Parallel()

	repo := newIdentityRepo(t, filepath.Join(t.TempDir(), "identities.toml"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.Save(ctx, domain.IdentityRecord{ID: "42"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestIdentityRepositoryConcurrentSavesAcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identities.toml")
	repoA := newIdentityRepo(t, path)
	repoB := newIdentityRepo(t, path)

	const perRepoWrites = 100
	start := make(chan struct{})
	errCh := make(chan error, perRepoWrites*2)
	var wg sync.WaitGroup
	wg.Add(2)

	write := func(repo *IdentityRepository, offset int) {
		defer wg.Done()
		<-start
		for i := 0; i < perRepoWrites; i++ {
			id := domain.IdentityID(strconv.Itoa(offset + i))
			errCh <- repo.Save(context.Background(), domain.IdentityRecord{ID: id, Active: true})
		}
	}
	go write(repoA, 1000)
	go write(repoB, 2000)

	close(start)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	records, err := repoA.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, perRepoWrites*2)
}
