package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// buildCache compiles Go handler sources and reuses the artifact only
// while the source's modification time is unchanged. Caching is an
// explicit optimization; "always fresh" stays the correctness default.
type buildCache struct {
	mu      sync.Mutex
	dir     string
	entries map[string]buildEntry
}

type buildEntry struct {
	modTime time.Time
	bin     string
}

func newBuildCache() *buildCache {
	return &buildCache{entries: make(map[string]buildEntry)}
}

// Ensure returns an up-to-date binary for src, rebuilding when the
// source changed since the cached build.
func (c *buildCache) Ensure(ctx context.Context, src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stating handler source: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[src]; ok && e.modTime.Equal(info.ModTime()) {
		return e.bin, nil
	}

	if c.dir == "" {
		dir, err := os.MkdirTemp("", "live-lambda-build-")
		if err != nil {
			return "", fmt.Errorf("creating build dir: %w", err)
		}
		c.dir = dir
	}

	sum := sha256.Sum256([]byte(src))
	bin := filepath.Join(c.dir, fmt.Sprintf("handler-%x", sum[:6]))

	cmd := exec.CommandContext(ctx, "go", "build", "-o", bin, src)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("building handler %s: %s", src, strings.TrimSpace(string(out)))
	}

	log.Debug().Str("source", src).Str("bin", bin).Msg("Handler binary built")
	c.entries[src] = buildEntry{modTime: info.ModTime(), bin: bin}
	return bin, nil
}

// Invalidate forgets the cached build for a source path.
func (c *buildCache) Invalidate(src string) {
	c.mu.Lock()
	delete(c.entries, src)
	c.mu.Unlock()
}

// Close removes all build artifacts.
func (c *buildCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]buildEntry)
	if c.dir == "" {
		return nil
	}
	dir := c.dir
	c.dir = ""
	return os.RemoveAll(dir)
}
