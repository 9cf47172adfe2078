package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFileParsesKeyValuePairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n\nLEASE_TTL_SECONDS=1800\nDATA_DIR=\"/var/lib/dispatch\"\nHANDLE='@bot'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	values, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1800", values["LEASE_TTL_SECONDS"])
	assert.Equal(t, "/var/lib/dispatch", values["DATA_DIR"])
	assert.Equal(t, "@bot", values["HANDLE"])
	assert.Len(t, values, 3)
}

func TestLoadEnvFileMissingFile(t *testing.T) {
	_, err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestFindEnvFilePrefersFirstMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "env.local"), []byte("A=1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("B=2\n"), 0o644))

	found := FindEnvFile(dir)
	assert.Equal(t, filepath.Join(dir, "env.local"), found)
}

func TestFindEnvFileNoneExist(t *testing.T) {
	assert.Equal(t, "", FindEnvFile(t.TempDir()))
}
