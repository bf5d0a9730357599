package license

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"smallbiznis-licensing/pkg/config"
)

func writeKeyFiles(t *testing.T) (string, string) {
	t.Helper()
	key := signingKey(t)
	dir := t.TempDir()

	privPath := filepath.Join(dir, "license.key")
	require.NoError(t, os.WriteFile(privPath, EncodePrivateKeyPEM(key), 0o600))

	pub, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "license.pub")
	require.NoError(t, os.WriteFile(pubPath, pub, 0o644))

	return privPath, pubPath
}

func TestPEMRoundTrip(t *testing.T) {
	key := signingKey(t)

	priv, err := ParsePrivateKeyPEM(EncodePrivateKeyPEM(key))
	require.NoError(t, err)
	require.True(t, key.Equal(priv))

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(pub))

	_, err = ParsePrivateKeyPEM([]byte("garbage"))
	require.Error(t, err)
	_, err = ParsePublicKeyPEM([]byte("garbage"))
	require.Error(t, err)
}

func TestLoadKeyCustodianFromFiles(t *testing.T) {
	privPath, pubPath := writeKeyFiles(t)

	keys, err := LoadKeyCustodian(context.Background(), config.Licensing{
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
	}, nil)
	require.NoError(t, err)
	require.True(t, keys.CanSign())
	require.True(t, signingKey(t).PublicKey.Equal(keys.PublicKey()))
}

func TestLoadKeyCustodianPublicOnly(t *testing.T) {
	_, pubPath := writeKeyFiles(t)

	keys, err := LoadKeyCustodian(context.Background(), config.Licensing{PublicKeyPath: pubPath}, nil)
	require.NoError(t, err)
	require.False(t, keys.CanSign())
	require.Nil(t, keys.PrivateKey())
	require.NotNil(t, keys.PublicKey())
}

func TestLoadKeyCustodianDerivesPublicKey(t *testing.T) {
	privPath, _ := writeKeyFiles(t)

	keys, err := LoadKeyCustodian(context.Background(), config.Licensing{PrivateKeyPath: privPath}, nil)
	require.NoError(t, err)
	require.True(t, keys.CanSign())
	require.NotNil(t, keys.PublicKey())
}

func TestLoadKeyCustodianErrors(t *testing.T) {
	_, err := LoadKeyCustodian(context.Background(), config.Licensing{}, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = LoadKeyCustodian(context.Background(), config.Licensing{
		PublicKeyPath: filepath.Join(t.TempDir(), "missing.pub"),
	}, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	bad := filepath.Join(t.TempDir(), "bad.pub")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0o644))
	_, err = LoadKeyCustodian(context.Background(), config.Licensing{PublicKeyPath: bad}, nil)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestKeyCustodianReload(t *testing.T) {
	_, pubPath := writeKeyFiles(t)

	keys, err := LoadKeyCustodian(context.Background(), config.Licensing{PublicKeyPath: pubPath}, nil)
	require.NoError(t, err)

	// a broken file must not clear the loaded key
	require.NoError(t, os.WriteFile(pubPath, []byte("truncated"), 0o644))
	require.Error(t, keys.reload())
	require.NotNil(t, keys.PublicKey())
}
