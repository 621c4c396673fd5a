package identity

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestSecret(t *testing.T) {
	store := newStore(t)
	_, err := store.Secret()
	require.Error(t, err, "unprovisioned secret must be an error")

	secret := []byte("super-secret-cluster-key")
	require.NoError(t, os.WriteFile(
		filepath.Join(store.dir, secretFile),
		[]byte(hex.EncodeToString(secret)+"\n"),
		0o600,
	))
	got, err := store.Secret()
	require.NoError(t, err)
	require.Equal(t, secret, got)

	require.NoError(t, store.InvalidateSecret())
	_, err = store.Secret()
	require.Error(t, err)
	// invalidating twice is fine
	require.NoError(t, store.InvalidateSecret())
}

func TestWriteIfAbsentSemantics(t *testing.T) {
	store := newStore(t)
	require.Empty(t, store.SystemID())

	require.NoError(t, store.SetSystemID("abc123"))
	require.Equal(t, "abc123", store.SystemID())

	// a later registration must not clobber the provisioned identity
	require.NoError(t, store.SetSystemID("other"))
	require.Equal(t, "abc123", store.SystemID())

	require.NoError(t, store.SetFleetUUID("b5fb2b24"))
	require.NoError(t, store.SetFleetUUID("ignored"))
	require.Equal(t, "b5fb2b24", store.FleetUUID())
}

func TestClusterCertificate(t *testing.T) {
	store := newStore(t)
	require.False(t, store.HasClusterCertificate())

	pem := []byte("-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n")
	require.NoError(t, store.SetClusterCertificate(pem))
	require.True(t, store.HasClusterCertificate())

	require.NoError(t, store.SetClusterCertificate([]byte("other")))
	got, err := os.ReadFile(store.ClusterCertificatePath())
	require.NoError(t, err)
	require.Equal(t, pem, got, "existing certificate must never be overwritten")
}
