package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path with size bytes of deterministic content, making
// parent directories as needed. A size <= 0 still produces one byte so
// fingerprinting never sees an empty file.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s failed: %v", path, err)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s failed: %v", path, err)
	}
}
