package binding_test

import (
	"path/filepath"
	"testing"

	"github.com/effective-security/signer/binding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *binding.Store {
	path := filepath.Join(t.TempDir(), "bindings.db")
	s, err := binding.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Bind_Lookup_Unbind(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Lookup("lk1")
	assert.ErrorIs(t, err, binding.ErrNotBound)

	require.NoError(t, s.Bind("lk1", "identity-a", "pkcs11:slot=0;id=abcd"))

	rec, err := s.Lookup("lk1")
	require.NoError(t, err)
	assert.Equal(t, "identity-a", rec.OwningIdentityKeyID)
	assert.Equal(t, "pkcs11:slot=0;id=abcd", rec.BackendLocator)

	err = s.Bind("lk1", "identity-a", "pkcs11:slot=0;id=abcd")
	assert.ErrorIs(t, err, binding.ErrAlreadyBound)

	prior, err := s.Unbind("lk1")
	require.NoError(t, err)
	assert.Equal(t, "identity-a", prior.OwningIdentityKeyID)

	_, err = s.Unbind("lk1")
	assert.ErrorIs(t, err, binding.ErrNotBound)
}

func Test_Store_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")

	s1, err := binding.Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Bind("lk1", "identity-a", "software:lk1"))
	require.NoError(t, s1.Close())

	s2, err := binding.Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Lookup("lk1")
	require.NoError(t, err)
	assert.Equal(t, "identity-a", rec.OwningIdentityKeyID)
}

func Test_RebindAll(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Bind("lk1", "identity-old", "software:lk1"))
	require.NoError(t, s.Bind("lk2", "identity-old", "software:lk2"))
	require.NoError(t, s.Bind("lk3", "identity-other", "software:lk3"))

	n, err := s.RebindAll("identity-old", "identity-new")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec1, _ := s.Lookup("lk1")
	assert.Equal(t, "identity-new", rec1.OwningIdentityKeyID)
	rec3, _ := s.Lookup("lk3")
	assert.Equal(t, "identity-other", rec3.OwningIdentityKeyID)
}

func Test_ByOwner(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Bind("lk1", "identity-a", "software:lk1"))
	require.NoError(t, s.Bind("lk2", "identity-a", "software:lk2"))
	require.NoError(t, s.Bind("lk3", "identity-b", "software:lk3"))

	keys := s.ByOwner("identity-a")
	assert.ElementsMatch(t, []string{"lk1", "lk2"}, keys)
}
