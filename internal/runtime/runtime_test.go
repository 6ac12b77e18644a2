package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}

func writeHandler(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExecuteNodeHandler(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.mjs", `
export async function handler(event, context) {
  return { path: event.rawPath, fn: context.function_name };
}
`)

	rt := New(Config{})
	defer rt.Close()

	result, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{"rawPath":"/x"}`),
		json.RawMessage(`{"function_name":"f"}`),
	)
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/x","fn":"f"}`, string(result))
}

func TestExecuteNodeMissingExport(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.mjs", `export const notAFunction = 42;`)

	rt := New(Config{})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "main"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotCallable)
	// The error names the export so a typo is obvious from the message.
	require.Contains(t, err.Error(), `"main"`)
}

func TestExecuteNodeThrownError(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.mjs", `
export function handler() {
  throw new Error("kaboom");
}
`)

	rt := New(Config{})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.Error(t, err)

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.Contains(t, handlerErr.Message, "kaboom")
}

func TestExecuteNodeUndefinedResult(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.mjs", `export function handler() {}`)

	rt := New(Config{})
	defer rt.Close()

	result, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, "null", string(result))
}

func TestExecuteNodeHandlerPrints(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.mjs", `
export function handler() {
  console.log("debugging line");
  return 7;
}
`)

	rt := New(Config{})
	defer rt.Close()

	// Handler prints must not corrupt result parsing.
	result, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, "7", string(result))
}

func TestExecuteNodeTimeout(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.mjs", `
export async function handler() {
  await new Promise((resolve) => setTimeout(resolve, 10000));
}
`)

	rt := New(Config{Timeout: 300 * time.Millisecond})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestExecuteRelativePath(t *testing.T) {
	requireInterpreter(t, "node")

	dir := t.TempDir()
	writeHandler(t, dir, "echo.mjs", `export function handler(event) { return event; }`)

	rt := New(Config{BaseDir: dir})
	defer rt.Close()

	result, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: "echo.mjs", Export: "handler"},
		json.RawMessage(`{"a":1}`), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(result))
}

func TestExecutePythonHandler(t *testing.T) {
	requireInterpreter(t, "python3")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.py", `
def handler(event, context):
    return {"path": event["rawPath"], "fn": context["function_name"]}
`)

	rt := New(Config{})
	defer rt.Close()

	result, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{"rawPath":"/x"}`),
		json.RawMessage(`{"function_name":"f"}`),
	)
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/x","fn":"f"}`, string(result))
}

func TestExecutePythonRaisedError(t *testing.T) {
	requireInterpreter(t, "python3")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.py", `
def handler(event, context):
    raise ValueError("broken")
`)

	rt := New(Config{})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.Error(t, err)

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.Contains(t, handlerErr.Message, "ValueError")
}

func TestExecutePythonMissingExport(t *testing.T) {
	requireInterpreter(t, "python3")

	dir := t.TempDir()
	src := writeHandler(t, dir, "app.py", `value = 1`)

	rt := New(Config{})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNotCallable)
}

func TestExecuteMissingSource(t *testing.T) {
	rt := New(Config{})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: filepath.Join(t.TempDir(), "nope.mjs"), Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExecuteUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	src := writeHandler(t, dir, "app.rb", `puts "no"`)

	rt := New(Config{})
	defer rt.Close()

	_, err := rt.Execute(context.Background(),
		Descriptor{SourcePath: src, Export: "handler"},
		json.RawMessage(`{}`), json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnsupportedRuntime)
}

func TestParseResultFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("handler chatter\n")
	buf.WriteString(resultMarker + `{"ok":true,"result":{"n":1}}` + "\n")

	out, err := parseResult(&buf, Descriptor{Export: "handler"})
	require.NoError(t, err)
	require.True(t, out.OK)
	require.JSONEq(t, `{"n":1}`, string(out.Result))
}

func TestParseResultNoFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("only chatter\n")

	_, err := parseResult(&buf, Descriptor{Export: "handler"})
	require.Error(t, err)
}
