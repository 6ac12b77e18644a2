package runtime

// resultMarker prefixes the single line of the result frame on stdout.
// Anything the handler prints itself is relayed to the log instead.
const resultMarker = "__live_lambda_result__:"

// nodeBootstrap is passed to node -e; process.argv[1] is the handler
// source path. The module is imported fresh in a new process every
// call, so no loader cache survives between invocations.
const nodeBootstrap = `
const { pathToFileURL } = require("node:url");
const MARKER = "__live_lambda_result__:";
let input = "";
process.stdin.setEncoding("utf8");
process.stdin.on("data", (c) => { input += c; });
process.stdin.on("end", async () => {
  const emit = (out) => process.stdout.write("\n" + MARKER + JSON.stringify(out) + "\n");
  let frame;
  try {
    frame = JSON.parse(input);
  } catch (err) {
    emit({ ok: false, error: { code: "handler_error", message: "bad input frame: " + String(err) } });
    return;
  }
  try {
    const mod = await import(pathToFileURL(process.argv[1]).href);
    const fn = mod[frame.export];
    if (typeof fn !== "function") {
      emit({ ok: false, error: { code: "handler_not_callable", message: "export \"" + frame.export + "\" is not a function" } });
      return;
    }
    const result = await fn(frame.event, frame.context);
    emit({ ok: true, result: result === undefined ? null : result });
  } catch (err) {
    emit({ ok: false, error: { code: "handler_error", message: String((err && err.stack) || err) } });
  }
});
`

// pythonBootstrap is passed to python3 -c; sys.argv[1] is the handler
// source path.
const pythonBootstrap = `
import importlib.util
import json
import sys
import traceback

MARKER = "__live_lambda_result__:"

def emit(out):
    sys.stdout.write("\n" + MARKER + json.dumps(out) + "\n")

frame = json.load(sys.stdin)
try:
    spec = importlib.util.spec_from_file_location("live_lambda_handler", sys.argv[1])
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    fn = getattr(mod, frame["export"], None)
    if not callable(fn):
        emit({"ok": False, "error": {"code": "handler_not_callable", "message": 'export "%s" is not a function' % frame["export"]}})
    else:
        result = fn(frame["event"], frame["context"])
        emit({"ok": True, "result": result})
except Exception:
    emit({"ok": False, "error": {"code": "handler_error", "message": traceback.format_exc()}})
`
