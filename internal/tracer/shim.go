package tracer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Shim lazily builds the preload interposer library.
//
// The build runs at most once per process, under a mutex; concurrent workers
// share the artifact. The compiled object is cached in a per-user directory
// under a name keyed by the source hash, so unchanged engine builds reuse it
// across processes and changed shim source never collides with a stale
// object.
type Shim struct {
	mu   sync.Mutex
	path string
}

// Ensure returns the path of the compiled shim, building it if needed.
func (s *Shim) Ensure() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		return s.path, nil
	}

	dir, err := shimDir()
	if err != nil {
		return "", err
	}
	key := sha256.Sum256([]byte(shimSource))
	base := "walk-shim-" + hex.EncodeToString(key[:8])
	lib := filepath.Join(dir, base+".so")

	if _, err := os.Stat(lib); err == nil {
		s.path = lib
		return lib, nil
	}

	src := filepath.Join(dir, base+".c")
	if err := os.WriteFile(src, []byte(shimSource), 0o644); err != nil {
		return "", fmt.Errorf("writing shim source: %w", err)
	}

	tmp := lib + "-"
	cc := exec.Command("cc", "-O2", "-W", "-Wall", "-shared", "-fPIC", "-o", tmp, src, "-ldl")
	if out, err := cc.CombinedOutput(); err != nil {
		return "", fmt.Errorf("building preload shim: %w\n%s", err, out)
	}
	if err := os.Rename(tmp, lib); err != nil {
		return "", fmt.Errorf("installing preload shim: %w", err)
	}

	s.path = lib
	return lib, nil
}

func shimDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "walk")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", fmt.Errorf("creating shim cache dir: %w", err)
	}
	return dir, nil
}
