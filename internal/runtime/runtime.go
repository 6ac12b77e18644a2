package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// interpreterConfig maps a source extension to the command that runs
// its bootstrap. The source path is appended as the final argument.
type interpreterConfig struct {
	Command string
	Args    []string
}

var interpreters = map[string]interpreterConfig{
	".js":  {Command: "node", Args: []string{"-e", nodeBootstrap}},
	".mjs": {Command: "node", Args: []string{"-e", nodeBootstrap}},
	".cjs": {Command: "node", Args: []string{"-e", nodeBootstrap}},
	".ts":  {Command: "node", Args: []string{"--experimental-strip-types", "-e", nodeBootstrap}},
	".mts": {Command: "node", Args: []string{"--experimental-strip-types", "-e", nodeBootstrap}},
	".py":  {Command: "python3", Args: []string{"-c", pythonBootstrap}},
}

// Config holds runtime settings.
type Config struct {
	// BaseDir resolves relative descriptor paths ("" means cwd).
	BaseDir string

	// Timeout bounds a single handler execution. Zero means none; the
	// cloud side enforces its own invocation deadline.
	Timeout time.Duration
}

// Runtime executes handler descriptors. Interpreted sources spawn a
// fresh process per call; Go sources go through an explicit build cache
// keyed by (path, mtime) so a stale artifact is never reused.
type Runtime struct {
	cfg    Config
	builds *buildCache
}

// New creates a Runtime.
func New(cfg Config) *Runtime {
	return &Runtime{
		cfg:    cfg,
		builds: newBuildCache(),
	}
}

// Execute resolves the descriptor, runs the handler with the forwarded
// event and context, and returns its result, or propagates its failure.
func (r *Runtime) Execute(ctx context.Context, desc Descriptor, event, invCtx json.RawMessage) (json.RawMessage, error) {
	src := desc.SourcePath
	if !filepath.IsAbs(src) && r.cfg.BaseDir != "" {
		src = filepath.Join(r.cfg.BaseDir, src)
	}
	src, err := filepath.Abs(src)
	if err != nil {
		return nil, fmt.Errorf("resolving handler source: %w", err)
	}
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("handler source %s: %w", desc.SourcePath, err)
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd, err := r.command(runCtx, src)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(harnessInput{Export: desc.Export, Event: event, Context: invCtx})
	if err != nil {
		return nil, fmt.Errorf("encoding handler input: %w", err)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("handler %s timed out after %s: %w", desc.Export, duration.Round(time.Millisecond), runCtx.Err())
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return nil, fmt.Errorf("handler process exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("executing handler: %w", runErr)
	}

	out, err := parseResult(&stdout, desc)
	if err != nil {
		return nil, fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	if !out.OK {
		return nil, harnessErrorToGo(out.Error, desc)
	}

	log.Debug().
		Str("handler", desc.Export).
		Dur("duration", duration).
		Msg("Handler completed")

	if len(out.Result) == 0 {
		// The handler returned no value; still deliverable.
		return json.RawMessage("null"), nil
	}
	return out.Result, nil
}

// Invalidate drops any cached build artifact for a source path. Wired
// to the handler directory watcher.
func (r *Runtime) Invalidate(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	r.builds.Invalidate(path)
}

// Close releases build artifacts.
func (r *Runtime) Close() error {
	return r.builds.Close()
}

// command picks the interpreter (or cached binary) for a source file.
func (r *Runtime) command(ctx context.Context, src string) (*exec.Cmd, error) {
	ext := filepath.Ext(src)

	if ext == ".go" {
		bin, err := r.builds.Ensure(ctx, src)
		if err != nil {
			return nil, err
		}
		return exec.CommandContext(ctx, bin), nil
	}

	ic, ok := interpreters[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRuntime, ext)
	}
	if _, err := exec.LookPath(ic.Command); err != nil {
		return nil, fmt.Errorf("runtime binary not found: %s (install it to run %s handlers)", ic.Command, ext)
	}

	args := append(append([]string{}, ic.Args...), src)
	return exec.CommandContext(ctx, ic.Command, args...), nil
}

// parseResult extracts the marker-prefixed result frame from handler
// stdout; every other line is handler output and goes to the log.
func parseResult(stdout *bytes.Buffer, desc Descriptor) (*harnessOutput, error) {
	var frame string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, resultMarker) {
			frame = strings.TrimPrefix(line, resultMarker)
			continue
		}
		if strings.TrimSpace(line) != "" {
			log.Info().Str("handler", desc.Export).Msg(line)
		}
	}

	if frame == "" {
		return nil, fmt.Errorf("handler produced no result frame")
	}

	var out harnessOutput
	if err := json.Unmarshal([]byte(frame), &out); err != nil {
		return nil, fmt.Errorf("parsing handler result: %w", err)
	}
	return &out, nil
}

func harnessErrorToGo(he *harnessError, desc Descriptor) error {
	if he == nil {
		return &HandlerError{Message: "handler failed without detail"}
	}
	if he.Code == errCodeNotCallable {
		return fmt.Errorf("%w: export %q in %s", ErrNotCallable, desc.Export, desc.SourcePath)
	}
	return &HandlerError{Message: he.Message}
}
