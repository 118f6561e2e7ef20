package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/tools/schemas"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	defaultCodeTimeout = 30 * time.Second
	maxCodeTimeout     = 5 * time.Minute
	maxOutputBytes     = 64 << 10
)

// Dangerous code patterns that should be blocked
var dangerousPatterns = []string{
	"os.system", "os.popen", "os.exec", "os.spawn", "os.fork", "pty.spawn",
	"subprocess", "shutil.rmtree", "shutil.move",
	"os.remove", "os.unlink", "os.rmdir", "os.removedirs", "os.kill", "os.chmod",
	"socket.", "ctypes", "__import__('os')", "__import__(\"os\")",
	"rm -rf", "mkfs", "dd if=", "dd of=",
}

// isDangerousCode checks if a script contains dangerous patterns.
func isDangerousCode(code string) bool {
	lower := strings.ToLower(code)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	// Writing files outside the scratch directory via absolute paths.
	if strings.Contains(lower, "open('/") || strings.Contains(lower, "open(\"/") {
		return !strings.Contains(lower, "open('/tmp/") && !strings.Contains(lower, "open(\"/tmp/")
	}
	return false
}

// CodeConfig configures the code interpreter.
type CodeConfig struct {
	PythonPath string
	Timeout    time.Duration
	// Remote runs scripts on a sandbox service instead of locally.
	Remote RemoteCaller
}

// CodeTool runs Python scripts and returns their output.
type CodeTool struct {
	cfg    CodeConfig
	logger zerolog.Logger
}

// NewCodeTool creates a CodeTool.
func NewCodeTool(cfg CodeConfig, logger zerolog.Logger) *CodeTool {
	if cfg.PythonPath == "" {
		cfg.PythonPath = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCodeTimeout
	}
	if cfg.Timeout > maxCodeTimeout {
		cfg.Timeout = maxCodeTimeout
	}
	return &CodeTool{
		cfg:    cfg,
		logger: logger.With().Str("component", "code_tool").Logger(),
	}
}

func (t *CodeTool) Name() string { return schemas.CodeInterpreter }

func (t *CodeTool) Description() string {
	desc, _ := schemaFor(schemas.CodeInterpreter)
	return desc
}

func (t *CodeTool) Schema() llm.ToolSchema {
	_, schema := schemaFor(schemas.CodeInterpreter)
	return schema
}

// Invoke runs the "code" argument and returns stdout followed by stderr.
func (t *CodeTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		Code string `json:"code"`
	}
	if err := decodeArgs(args, &payload); err != nil {
		return "", err
	}
	code := strings.TrimSpace(payload.Code)
	if code == "" {
		return "", fmt.Errorf("code cannot be empty")
	}

	if t.cfg.Remote != nil {
		return t.runRemote(ctx, code)
	}
	if isDangerousCode(code) {
		t.logger.Warn().Str("code", code).Msg("Blocked dangerous code")
		return "", fmt.Errorf("code blocked: scripts may not delete files, spawn processes, open sockets or write outside /tmp")
	}
	return t.runLocal(ctx, code)
}

func (t *CodeTool) runLocal(ctx context.Context, code string) (string, error) {
	workDir, err := os.MkdirTemp("", "chatgw-code-")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck // best effort cleanup

	cmdCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, t.cfg.PythonPath, "-c", code) //#nosec G204 -- intentional code execution
	cmd.Dir = workDir
	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if cmdCtx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("execution timed out after %s", t.cfg.Timeout)
	}

	output := joinOutput(stdout.String(), stderr.String())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("python exited with code %d: %s", exitErr.ExitCode(), output)
		}
		return "", fmt.Errorf("failed to run python: %w", err)
	}
	return output, nil
}

func (t *CodeTool) runRemote(ctx context.Context, code string) (string, error) {
	args, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", err
	}
	resp, err := t.cfg.Remote.Call(ctx, t.Name(), args)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(resp) {
		return capOutput(string(resp)), nil
	}
	doc := gjson.ParseBytes(resp)
	if msg := doc.Get("error").String(); msg != "" {
		return "", fmt.Errorf("sandbox error: %s", msg)
	}
	if !doc.Get("stdout").Exists() && !doc.Get("stderr").Exists() {
		return capOutput(string(resp)), nil
	}
	return capOutput(joinOutput(doc.Get("stdout").String(), doc.Get("stderr").String())), nil
}

func joinOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}

func capOutput(s string) string {
	return Clip(s, maxOutputBytes, "... (truncated)")
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return validPrefix(b.buf.String()) + "... (truncated)"
	}
	return b.buf.String()
}
