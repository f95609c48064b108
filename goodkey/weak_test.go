package goodkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nodeagent/sslboot/internal/assert"
)

func TestKnown(t *testing.T) {
	wk := &weakKeys{suffixes: make(map[[10]byte]struct{})}
	err := wk.addSuffix("200352313bc059445190")
	assert.NotError(t, err, "weakKeys.addSuffix failed")
	assert.True(t, wk.Known([]byte("asd")), "weakKeys.Known failed to find suffix that has been added")
	assert.True(t, !wk.Known([]byte("ASD")), "weakKeys.Known found a suffix that has not been added")
}

func TestLoadKeys(t *testing.T) {
	tempDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tempDir, "a"), []byte("# asd\n200352313bc059445190"), 0o644)
	assert.NotError(t, err, "Failed to create temporary file")
	err = os.WriteFile(filepath.Join(tempDir, "b"), []byte("# asd\ndc47cdf6b45d89e8b2a0"), 0o644)
	assert.NotError(t, err, "Failed to create temporary file")

	wk, err := loadSuffixes(tempDir)
	assert.NotError(t, err, "Failed to load suffixes from directory")

	assert.True(t, wk.Known([]byte("asd")), "weakKeys.Known failed to find suffix that has been added")
	assert.True(t, wk.Known([]byte("dsa")), "weakKeys.Known failed to find suffix that has been added")
}

func TestNewWeakKeyCheckerEmptyDir(t *testing.T) {
	wk, err := NewWeakKeyChecker("")
	assert.NotError(t, err, "NewWeakKeyChecker should accept an empty directory")
	assert.True(t, !wk.Known([]byte("anything")), "an empty checker should never flag a modulus as known-weak")
}
