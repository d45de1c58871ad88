package credential

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverPassesPlainTokens(t *testing.T) {
	resolve := NewResolver(func(string) (string, error) {
		t.Fatal("keyring should not be consulted")
		return "", nil
	})
	got, err := resolve("  api-abc ")
	require.NoError(t, err)
	assert.Equal(t, "api-abc", got)
}

func TestResolverLooksUpRefs(t *testing.T) {
	store := map[string]string{"web": "api-secret"}
	resolve := NewResolver(func(key string) (string, error) {
		v, ok := store[key]
		if !ok {
			return "", errors.New("missing")
		}
		return v, nil
	})

	got, err := resolve(Ref("web"))
	require.NoError(t, err)
	assert.Equal(t, "api-secret", got)

	_, err = resolve("keyring:other")
	assert.Error(t, err)

	_, err = resolve("keyring: ")
	assert.Error(t, err)
}

func TestIsRef(t *testing.T) {
	assert.True(t, IsRef("keyring:web"))
	assert.True(t, IsRef(" keyring:web"))
	assert.False(t, IsRef("api-abc"))
}
