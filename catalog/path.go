package catalog

import (
	"os"
	"path/filepath"
)

// ResolvePath implements the three-tier catalog path resolution (spec.md §6 / SPEC_FULL §6):
// an explicit env override, then the conventional project path, then the conventional install
// path — the first that already exists on disk wins; when none exists yet, the project path is
// returned. ResolvePath itself creates nothing.
func ResolvePath(env, appName string) string {
	if override := os.Getenv(env); override != "" {
		return override
	}

	projectPath := filepath.Join(".", "."+appName, "catalog.db")
	if _, err := os.Stat(projectPath); err == nil {
		return projectPath
	}

	installPath := installCatalogPath(appName)
	if _, err := os.Stat(installPath); err == nil {
		return installPath
	}

	return projectPath
}

func installCatalogPath(appName string) string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, appName, "catalog.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName, "catalog.db")
	}
	return filepath.Join(home, ".local", "share", appName, "catalog.db")
}
