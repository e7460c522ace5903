// Package runner is the action execution service behind /init and /run.
//
// An action is an executable written to disk by InitCode and spawned once
// per activation by RunCode. The activation input is written to the
// process stdin as a single JSON line and the last line of its stdout is
// taken as the result; everything else the action prints is forwarded to
// the container's own stdout and stderr, followed by the activation
// sentinel.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whookdev/actionproxy/internal/config"
	"github.com/whookdev/actionproxy/internal/models"
)

type Status string

const (
	StatusReady    Status = "ready"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// ActivationSentinel is written to stdout and stderr after every
// activation so log collectors can split the output per activation.
const ActivationSentinel = "XXX_THE_END_OF_A_WHISK_ACTIVATION_XXX"

const (
	msgAlreadyInitialized = "Cannot initialize the action more than once."
	msgMissingCode        = "Missing main/no code to execute."
	msgNotDictionary      = "The action did not return a dictionary."
	msgExitedUnexpectedly = "The action did not produce a valid response and exited unexpectedly."
)

type action struct {
	path string
	env  map[string]string
}

type Runner struct {
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.Mutex
	status   Status
	action   *action
	inFlight int
	dir      string
	ownsDir  bool

	outMu  sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func New(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "runner"),
		status: StatusReady,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}, nil
}

// SetOutput replaces the writers action output is forwarded to.
func (r *Runner) SetOutput(stdout, stderr io.Writer) {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	r.stdout = stdout
	r.stderr = stderr
}

// Start prepares the action directory and ties the runner to the lifetime
// of srv. It must be called once, before srv starts serving.
func (r *Runner) Start(srv *http.Server) error {
	if srv == nil {
		return fmt.Errorf("server cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dir != "" {
		return fmt.Errorf("runner already started")
	}

	if r.cfg.ActionDir != "" {
		if err := os.MkdirAll(r.cfg.ActionDir, 0o755); err != nil {
			return fmt.Errorf("creating action directory: %w", err)
		}
		r.dir = r.cfg.ActionDir
	} else {
		dir, err := os.MkdirTemp("", "action-")
		if err != nil {
			return fmt.Errorf("creating action directory: %w", err)
		}
		r.dir = dir
		r.ownsDir = true
	}

	srv.RegisterOnShutdown(r.stop)

	r.logger.Info("runner started",
		"action_dir", r.dir,
		"allow_concurrent", r.cfg.AllowConcurrent)
	return nil
}

func (r *Runner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = StatusStopped

	if r.ownsDir {
		if err := os.RemoveAll(r.dir); err != nil {
			r.logger.Error("failed to remove action directory", "error", err)
		}
	}

	r.logger.Info("runner stopped")
}

func (r *Runner) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return string(r.status)
}

// InitCode installs the action carried by the request body. An action can
// only be initialized once; a failed initialization leaves the runner
// stopped.
func (r *Runner) InitCode(ctx context.Context, req *models.Request) (*models.Outcome, error) {
	msg := initMessage(req.Body)

	r.mu.Lock()
	if r.status != StatusReady || r.action != nil {
		r.mu.Unlock()
		return nil, models.Fail(http.StatusForbidden, msgAlreadyInitialized)
	}

	code, ok := msg["code"].(string)
	if !ok {
		r.mu.Unlock()
		return nil, models.Fail(http.StatusForbidden, msgMissingCode)
	}
	if r.dir == "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner not started")
	}
	r.status = StatusStarting
	dir := r.dir
	r.mu.Unlock()

	binary, _ := msg["binary"].(bool)

	path, err := install(dir, code, binary)
	if err == nil {
		err = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.status = StatusStopped
		r.logger.Error("initialization failed", "request_id", req.ID, "error", err)
		return nil, models.Fail(http.StatusBadGateway,
			fmt.Sprintf("Initialization has failed due to: %v", err))
	}

	entry, _ := msg["main"].(string)
	r.action = &action{
		path: path,
		env:  stringMap(msg["env"]),
	}
	r.status = StatusReady

	r.logger.Info("action initialized",
		"request_id", req.ID,
		"binary", binary,
		"main", entry)

	return &models.Outcome{Code: http.StatusOK, Response: map[string]any{"ok": true}}, nil
}

// RunCode runs one activation of the initialized action. Without the
// concurrency allowance a second activation is rejected while the first
// is still running.
func (r *Runner) RunCode(ctx context.Context, req *models.Request) (*models.Outcome, error) {
	act, err := r.acquire()
	if err != nil {
		return nil, err
	}
	defer r.release()

	if deadline, ok := activationDeadline(req.Body["deadline"]); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	value, ok := req.Body["value"]
	if !ok || value == nil {
		value = map[string]any{}
	}
	input, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding activation input: %w", err)
	}

	stdout, stderr, runErr := spawn(ctx, act.path, r.activationEnv(act, req.Body), append(input, '\n'))

	logs, result := splitResult(stdout)
	r.forward(logs, stderr)

	if runErr != nil {
		r.logger.Error("action exited unexpectedly",
			"request_id", req.ID,
			"error", runErr)
		return nil, models.Fail(http.StatusBadGateway, msgExitedUnexpectedly)
	}

	out, err := decodeResult(result)
	if err != nil {
		r.logger.Error("invalid action result",
			"request_id", req.ID,
			"error", err)
		return nil, models.Fail(http.StatusBadGateway, msgNotDictionary)
	}

	return &models.Outcome{Code: http.StatusOK, Response: out}, nil
}

// spawn runs the executable once. A freshly written executable can be
// reported busy while a concurrent fork still holds its descriptor, so
// starting is retried a few times.
func spawn(ctx context.Context, path string, env []string, input []byte) (stdout, stderr []byte, err error) {
	for attempt := 0; ; attempt++ {
		var outBuf, errBuf bytes.Buffer

		cmd := exec.CommandContext(ctx, path)
		cmd.Dir = filepath.Dir(path)
		cmd.Env = env
		cmd.Stdin = bytes.NewReader(input)
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
		cmd.WaitDelay = time.Second

		err = cmd.Run()
		if errors.Is(err, syscall.ETXTBSY) && attempt < 5 {
			time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
			continue
		}

		return outBuf.Bytes(), errBuf.Bytes(), err
	}
}

func (r *Runner) acquire() (*action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := r.status == StatusReady ||
		(r.status == StatusRunning && r.cfg.AllowConcurrent)
	if r.action == nil || !ready {
		return nil, models.Fail(http.StatusForbidden,
			fmt.Sprintf("System not ready, status is %s.", r.status))
	}

	r.inFlight++
	r.status = StatusRunning
	return r.action, nil
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inFlight--
	if r.inFlight == 0 && r.status == StatusRunning {
		r.status = StatusReady
	}
}

// activationEnv exposes every top-level field except the input value as
// an __OW_ variable.
func (r *Runner) activationEnv(act *action, body map[string]any) []string {
	env := os.Environ()
	for k, v := range act.env {
		env = append(env, k+"="+v)
	}
	if r.cfg.APIHost != "" {
		env = append(env, "__OW_API_HOST="+r.cfg.APIHost)
	}
	for k, v := range body {
		if k == "value" {
			continue
		}
		env = append(env, "__OW_"+strings.ToUpper(k)+"="+stringValue(v))
	}
	return env
}

func (r *Runner) forward(logs, stderr []byte) {
	r.outMu.Lock()
	defer r.outMu.Unlock()

	writeLines(r.stdout, logs)
	writeLines(r.stderr, stderr)
	fmt.Fprintln(r.stdout, ActivationSentinel)
	fmt.Fprintln(r.stderr, ActivationSentinel)
}

func writeLines(w io.Writer, data []byte) {
	if len(data) == 0 {
		return
	}
	w.Write(data)
	if data[len(data)-1] != '\n' {
		w.Write([]byte{'\n'})
	}
}

// splitResult separates the last non-empty line of the action output from
// the lines printed before it.
func splitResult(out []byte) (logs, result []byte) {
	trimmed := bytes.TrimRight(out, "\r\n \t")
	i := bytes.LastIndexByte(trimmed, '\n')
	if i < 0 {
		return nil, trimmed
	}
	return trimmed[:i+1], trimmed[i+1:]
}

func decodeResult(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	if out == nil {
		return nil, errors.New("result is null")
	}
	return out, nil
}

func initMessage(body map[string]any) map[string]any {
	if value, ok := body["value"].(map[string]any); ok {
		return value
	}
	return body
}

func activationDeadline(v any) (time.Time, bool) {
	var ms int64
	var err error

	switch d := v.(type) {
	case string:
		ms, err = strconv.ParseInt(d, 10, 64)
	case json.Number:
		ms, err = d.Int64()
	default:
		return time.Time{}, false
	}
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = stringValue(val)
	}
	return out
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
