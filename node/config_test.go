package node

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeKeyGeneratesEphemeralWhenNoBaseDir(t *testing.T) {
	c := &Config{}
	key, err := c.NodeKey()
	require.NoError(t, err)
	require.NotNil(t, key)
}

func TestNodeKeyPersistsAndReloadsFromBaseDir(t *testing.T) {
	dir := t.TempDir()
	c := &Config{BaseDir: dir}
	key1, err := c.NodeKey()
	require.NoError(t, err)

	c2 := &Config{BaseDir: dir}
	key2, err := c2.NodeKey()
	require.NoError(t, err)
	require.Equal(t, key1.D, key2.D)
}

func TestNodeKeyPrefersExplicitKey(t *testing.T) {
	dir := t.TempDir()
	c := &Config{BaseDir: dir}
	explicit, err := c.NodeKey()
	require.NoError(t, err)

	c2 := &Config{BaseDir: dir, PrivateKey: explicit}
	key, err := c2.NodeKey()
	require.NoError(t, err)
	require.Equal(t, explicit, key)
}

func TestListenAddrDefaultsHost(t *testing.T) {
	c := &Config{Port: 30303}
	require.Equal(t, "0.0.0.0:30303", c.ListenAddr())
}

func TestEnrDBDirJoinsBaseDir(t *testing.T) {
	c := &Config{BaseDir: "/tmp/x"}
	require.Equal(t, filepath.Join("/tmp/x", "enr-db"), c.EnrDBDir("enr-db"))

	empty := &Config{}
	require.Equal(t, "", empty.EnrDBDir("enr-db"))
}
