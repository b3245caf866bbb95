package coderunner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// recordSep starts a control record on the session's stdout. Everything else
// on stdout is program output.
const recordSep = '\x1e'

// control is a record written by the session driver.
type control struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Mime string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"`
	Alt  string `json:"alt,omitempty"`
	Exit int    `json:"exit,omitempty"`
}

const (
	kindResult  = "result"
	kindDisplay = "display"
	kindError   = "error"
	kindDone    = "done"
)

// pythonDriver reads one JSON request per line, executes it in a shared
// namespace and reports the value of a trailing expression, rich displays,
// matplotlib figures and exceptions as control records.
const pythonDriver = `
import ast, base64, io, json, os, sys, traceback

_out = sys.stdout
_in = sys.stdin
sys.stdin = open(os.devnull)
sys.stderr = sys.stdout

def _control(kind, **kw):
    kw["kind"] = kind
    _out.write("\x1e" + json.dumps(kw) + "\n")
    _out.flush()

_REPRS = (
    ("text/html", "_repr_html_"),
    ("image/png", "_repr_png_"),
    ("image/jpeg", "_repr_jpeg_"),
    ("image/svg+xml", "_repr_svg_"),
    ("application/json", "_repr_json_"),
)

def display(obj):
    for mime, attr in _REPRS:
        fn = getattr(obj, attr, None)
        if fn is None:
            continue
        try:
            data = fn()
        except Exception:
            continue
        if data is None:
            continue
        if mime == "application/json":
            data = json.dumps(data)
        elif isinstance(data, str) and mime.startswith("image/"):
            data = base64.b64encode(data.encode()).decode()
        elif isinstance(data, bytes):
            data = base64.b64encode(data).decode()
        _control("display", mime=mime, data=data, alt=repr(obj))
        return True
    return False

def _flush_figures():
    plt = sys.modules.get("matplotlib.pyplot")
    if plt is None:
        return
    for num in plt.get_fignums():
        fig = plt.figure(num)
        buf = io.BytesIO()
        fig.savefig(buf, format="png")
        _control("display", mime="image/png", data=base64.b64encode(buf.getvalue()).decode(), alt=repr(fig))
    plt.close("all")

_ns = {"__name__": "__main__", "display": display}

def _run(code):
    tree = ast.parse(code, mode="exec")
    last = None
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        last = ast.Expression(tree.body.pop().value)
    exec(compile(tree, "<cell>", "exec"), _ns)
    if last is not None:
        value = eval(compile(last, "<cell>", "eval"), _ns)
        if value is not None and not display(value):
            _control("result", text=repr(value))

while True:
    line = _in.readline()
    if not line:
        break
    try:
        req = json.loads(line)
    except ValueError:
        continue
    try:
        _run(req["code"])
    except BaseException as err:
        _control("error", text="".join(traceback.format_exception_only(type(err), err)).strip())
    try:
        _flush_figures()
    except Exception:
        pass
    sys.stdout.flush()
    _control("done")
`

// bashInit makes the shell report its own errors on stdout.
const bashInit = "exec 2>&1\n"

// request renders one execution request for the session's stdin.
func request(lang, code string) ([]byte, error) {
	switch lang {
	case LangPython:
		b, err := json.Marshal(map[string]string{"code": code})
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case LangBash:
		enc := base64.StdEncoding.EncodeToString([]byte(code))
		line := fmt.Sprintf(
			"eval \"$(printf '%%s' '%s' | base64 -d)\" </dev/null; printf '\\036{\"kind\":\"done\",\"exit\":%%d}\\n' \"$?\"\n",
			enc,
		)
		return []byte(line), nil
	default:
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
}
