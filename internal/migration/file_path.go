package migration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

const (
	modulePath = "github.com/elskow/modhub-identity"

	// MigrationsDirEnv points a deployed binary at its SQL migrations.
	MigrationsDirEnv = "MODHUB_MIGRATIONS_DIR"
)

var errMigrationsNotFound = errors.New("migrations directory not found")

// getMigrationsDir resolves the migrations directory: MODHUB_MIGRATIONS_DIR when set,
// then the module checkout containing the working directory, then a migrations
// directory next to the executable.
func getMigrationsDir() (string, error) {
	if dir := os.Getenv(MigrationsDirEnv); dir != "" {
		if !isDir(dir) {
			return "", fmt.Errorf("%s=%q: %w", MigrationsDirEnv, dir, errMigrationsNotFound)
		}
		return filepath.Abs(dir)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, ok := findModuleRoot(wd); ok {
		return filepath.Join(root, "migrations"), nil
	}

	if exe, err := os.Executable(); err == nil {
		if dir := filepath.Join(filepath.Dir(exe), "migrations"); isDir(dir) {
			return dir, nil
		}
	}
	return "", errMigrationsNotFound
}

// findModuleRoot walks up from dir to the checkout of this module.
func findModuleRoot(dir string) (string, bool) {
	for {
		if content, err := os.ReadFile(filepath.Join(dir, "go.mod")); err == nil &&
			modfile.ModulePath(content) == modulePath {
			return dir, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
