package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/layerforensics/layerpeek/catalog"
	h "github.com/layerforensics/layerpeek/testhelpers"
)

func TestResolvePathEnvOverride(t *testing.T) {
	t.Setenv("LAYERPEEK_CATALOG_PATH_TEST", "/tmp/custom-catalog.db")
	got := catalog.ResolvePath("LAYERPEEK_CATALOG_PATH_TEST", "layerpeek")
	h.AssertEq(t, got, "/tmp/custom-catalog.db")
}

func TestResolvePathDefaultsToProjectPath(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	h.AssertNil(t, err)
	h.AssertNil(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	got := catalog.ResolvePath("LAYERPEEK_CATALOG_PATH_UNSET", "layerpeek")
	h.AssertEq(t, got, filepath.Join(".", ".layerpeek", "catalog.db"))
}

func TestResolvePathPrefersExistingInstallPath(t *testing.T) {
	projectDir := t.TempDir()
	cwd, err := os.Getwd()
	h.AssertNil(t, err)
	h.AssertNil(t, os.Chdir(projectDir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	installDir := filepath.Join(dataHome, "layerpeek")
	h.AssertNil(t, os.MkdirAll(installDir, 0755))
	h.AssertNil(t, os.WriteFile(filepath.Join(installDir, "catalog.db"), []byte{}, 0644))

	got := catalog.ResolvePath("LAYERPEEK_CATALOG_PATH_UNSET", "layerpeek")
	h.AssertEq(t, got, filepath.Join(installDir, "catalog.db"))
}
