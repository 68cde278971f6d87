package stages

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// objectKey builds the canonical artifact key for a job.
func objectKey(jobID, name string) string {
	return "jobs/" + jobID + "/" + name
}

// workDir returns (and creates) the job's scratch directory under the
// configured work path.
func (env *Env) workDir(jobID string) (string, error) {
	dir := filepath.Join(env.Config.Paths.WorkDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

// artifactPath resolves an artifact key to its object store path,
// creating the parent directory so external tools can write into it.
func (env *Env) artifactPath(key string) (string, error) {
	path, err := env.Objects.PathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return path, nil
}

// Fingerprint hashes a file's size plus its leading and trailing 64KiB,
// which is stable and cheap even for multi-hour recordings.
func Fingerprint(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint: open: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("fingerprint: stat: %w", err)
	}

	const chunk = 64 * 1024
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%d:", info.Size())

	if _, err := io.CopyN(hasher, file, chunk); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("fingerprint: read head: %w", err)
	}
	if info.Size() > chunk {
		offset := info.Size() - chunk
		if offset < chunk {
			offset = chunk
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("fingerprint: seek: %w", err)
		}
		if _, err := io.Copy(hasher, file); err != nil {
			return "", fmt.Errorf("fingerprint: read tail: %w", err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
