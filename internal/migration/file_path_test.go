package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMigrationsDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(MigrationsDirEnv, dir)

	got, err := getMigrationsDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	t.Setenv(MigrationsDirEnv, filepath.Join(dir, "missing"))
	_, err = getMigrationsDir()
	assert.ErrorIs(t, err, errMigrationsNotFound)
}

func TestGetMigrationsDir_ModuleCheckout(t *testing.T) {
	t.Setenv(MigrationsDirEnv, "")

	got, err := getMigrationsDir()
	require.NoError(t, err)
	assert.Equal(t, "migrations", filepath.Base(got))
	assert.FileExists(t, filepath.Join(got, "00001_create_users.sql"))
}

func TestFindModuleRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "internal", "migration")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, ok := findModuleRoot(nested)
	assert.False(t, ok, "no go.mod")

	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/other\n"), 0o600))
	_, ok = findModuleRoot(nested)
	assert.False(t, ok, "another module")

	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module "+modulePath+"\n"), 0o600))
	got, ok := findModuleRoot(nested)
	require.True(t, ok)
	assert.Equal(t, root, got)
}
