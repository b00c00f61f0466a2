package pass

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/questd/internal/domain"
)

func TestStorePutUsesPassInsertUnderPrefix(t *testing.T) {
	t.Parallel()

	called := false
	store := &Store{
		prefix: DefaultPrefix,
		run: func(ctx context.Context, input string, args ...string) (string, string, error) {
			called = true
			assert.Equal(t, context.Background(), ctx)
			assert.Equal(t, []string{"insert", "-m", "-f", "questd/credentials/42"}, args)
			assert.Equal(t, "NDI.stamp.signature\n", input)
			return "", "", nil
		},
	}

	err := store.Put(context.Background(), "credentials/42", "NDI.stamp.signature")
	require.NoError(t, err)
	assert.True(t, called)
}

func TestStoreGetKeepsFirstLine(t *testing.T) {
	t.Parallel()

	store := &Store{
		prefix: "team/questd",
		run: func(ctx context.Context, input string, args ...string) (string, string, error) {
			assert.Equal(t, []string{"show", "team/questd/credentials/42"}, args)
			assert.Empty(t, input)
			return "NDI.stamp.signature\nadded: 2026-03-01\n", "", nil
		},
	}

	value, err := store.Get(context.Background(), "credentials/42")
	require.NoError(t, err)
	assert.Equal(t, "NDI.stamp.signature", value)
}

func TestStoreGetMapsMissingEntry(t *testing.T) {
	t.Parallel()

	store := &Store{
		prefix: DefaultPrefix,
		run: func(context.Context, string, ...string) (string, string, error) {
			return "", "Error: questd/credentials/42 is not in the password store.", errors.New("exit status 1")
		},
	}

	_, err := store.Get(context.Background(), "credentials/42")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)

	require.NoError(t, store.Delete(context.Background(), "credentials/42"), "deleting a missing entry is a no-op")
}

func TestStoreGetReturnsClearError(t *testing.T) {
	t.Parallel()

	store := &Store{
		prefix: DefaultPrefix,
		run: func(context.Context, string, ...string) (string, string, error) {
			return "", "gpg: decryption failed: No secret key", errors.New("exit status 2")
		},
	}

	_, err := store.Get(context.Background(), "credentials/42")
	require.Error(t, err)
	assert.ErrorContains(t, err, "pass get")
	assert.ErrorContains(t, err, "questd/credentials/42")
	assert.ErrorContains(t, err, "decryption failed")
	assert.NotErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestStoreRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store := &Store{
		prefix: DefaultPrefix,
		run: func(context.Context, string, ...string) (string, string, error) {
			t.Fatal("pass must not run for an invalid key")
			return "", "", nil
		},
	}

	for _, key := range []string{"", "  ", "../outside", "/"} {
		_, err := store.Get(context.Background(), key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestNewStoreDefaultsPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultPrefix, NewStore("").prefix)
	assert.Equal(t, "vault", NewStore("vault").prefix)
}
