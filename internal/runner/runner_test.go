package runner

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whookdev/actionproxy/internal/config"
	"github.com/whookdev/actionproxy/internal/models"
)

const echoScript = `#!/bin/sh
read line
echo "log line"
echo "$line"
`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newStartedRunner(t *testing.T, cfg *config.Config) (*Runner, *syncBuffer, *syncBuffer) {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.ActionDir = t.TempDir()

	r, err := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	r.SetOutput(stdout, stderr)

	require.NoError(t, r.Start(&http.Server{}))

	return r, stdout, stderr
}

func request(body map[string]any) *models.Request {
	return models.NewRequest("req_test", http.MethodPost, "/", body)
}

func initWith(t *testing.T, r *Runner, value map[string]any) {
	t.Helper()

	out, err := r.InitCode(context.Background(), request(map[string]any{"value": value}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.Code)
}

func requireFailure(t *testing.T, err error, code int, msg string) {
	t.Helper()

	var failure *models.Failure
	require.True(t, errors.As(err, &failure), "expected *models.Failure, got %v", err)
	assert.Equal(t, code, failure.Code)
	assert.Equal(t, map[string]any{"error": msg}, failure.Response)
}

func TestInitAndRun(t *testing.T) {
	t.Parallel()

	r, stdout, _ := newStartedRunner(t, nil)
	initWith(t, r, map[string]any{"code": echoScript})
	assert.Equal(t, string(StatusReady), r.Status())

	out, err := r.RunCode(context.Background(), request(map[string]any{
		"value": map[string]any{"name": "whisk"},
	}))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, map[string]any{"name": "whisk"}, out.Response)
	assert.Equal(t, "log line\n"+ActivationSentinel+"\n", stdout.String())
	assert.Equal(t, string(StatusReady), r.Status())
}

func TestRunWithoutValue(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)
	initWith(t, r, map[string]any{"code": echoScript})

	out, err := r.RunCode(context.Background(), request(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out.Response)
}

func TestInitTwice(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)
	initWith(t, r, map[string]any{"code": echoScript})

	_, err := r.InitCode(context.Background(), request(map[string]any{
		"value": map[string]any{"code": echoScript},
	}))
	requireFailure(t, err, http.StatusForbidden, msgAlreadyInitialized)
}

func TestInitTwiceWithoutCode(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)
	initWith(t, r, map[string]any{"code": echoScript})

	_, err := r.InitCode(context.Background(), request(map[string]any{
		"value": map[string]any{"main": "main"},
	}))
	requireFailure(t, err, http.StatusForbidden, msgAlreadyInitialized)
}

func TestInitMissingCode(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)

	_, err := r.InitCode(context.Background(), request(map[string]any{
		"value": map[string]any{"main": "main"},
	}))
	requireFailure(t, err, http.StatusForbidden, msgMissingCode)
	assert.Equal(t, string(StatusReady), r.Status())
}

func TestInitFailureStopsRunner(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)

	_, err := r.InitCode(context.Background(), request(map[string]any{
		"value": map[string]any{"code": "function main() {}"},
	}))
	requireFailure(t, err, http.StatusBadGateway,
		"Initialization has failed due to: action code must start with a shebang line")
	assert.Equal(t, string(StatusStopped), r.Status())

	_, err = r.RunCode(context.Background(), request(nil))
	requireFailure(t, err, http.StatusForbidden, "System not ready, status is stopped.")
}

func TestInitBeforeStart(t *testing.T) {
	t.Parallel()

	r, err := New(&config.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = r.InitCode(context.Background(), request(map[string]any{"code": echoScript}))
	require.Error(t, err)

	var failure *models.Failure
	assert.False(t, errors.As(err, &failure))
}

func TestRunBeforeInit(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)

	_, err := r.RunCode(context.Background(), request(nil))
	requireFailure(t, err, http.StatusForbidden, "System not ready, status is ready.")
}

func TestInitBinary(t *testing.T) {
	t.Parallel()

	t.Run("executable", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newStartedRunner(t, nil)
		initWith(t, r, map[string]any{
			"code":   base64.StdEncoding.EncodeToString([]byte(echoScript)),
			"binary": true,
		})

		out, err := r.RunCode(context.Background(), request(map[string]any{
			"value": map[string]any{"n": 1},
		}))
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, mustJSON(t, out.Response))
	})

	t.Run("zip", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create("lib/helper.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("helper"))
		require.NoError(t, err)
		w, err = zw.Create("exec")
		require.NoError(t, err)
		_, err = w.Write([]byte("#!/bin/sh\nread line\ncat lib/helper.txt >/dev/null && echo '{\"zip\":true}'\n"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		r, _, _ := newStartedRunner(t, nil)
		initWith(t, r, map[string]any{
			"code":   base64.StdEncoding.EncodeToString(buf.Bytes()),
			"binary": true,
		})

		out, err := r.RunCode(context.Background(), request(nil))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"zip": true}, out.Response)
	})

	t.Run("zip_without_exec", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		_, err := zw.Create("main.sh")
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		r, _, _ := newStartedRunner(t, nil)
		_, err = r.InitCode(context.Background(), request(map[string]any{
			"code":   base64.StdEncoding.EncodeToString(buf.Bytes()),
			"binary": true,
		}))
		requireFailure(t, err, http.StatusBadGateway,
			"Initialization has failed due to: archive has no exec entry")
	})

	t.Run("invalid_base64", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newStartedRunner(t, nil)
		_, err := r.InitCode(context.Background(), request(map[string]any{
			"code":   "not base64!",
			"binary": true,
		}))

		var failure *models.Failure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, http.StatusBadGateway, failure.Code)
	})
}

func TestRunEnvironment(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, &config.Config{APIHost: "https://whisk.example.com"})
	initWith(t, r, map[string]any{
		"code": "#!/bin/sh\nread line\n" +
			`echo "{\"ns\":\"$__OW_NAMESPACE\",\"id\":\"$__OW_ACTIVATION_ID\",\"host\":\"$__OW_API_HOST\",\"greeting\":\"$GREETING\"}"` + "\n",
		"env": map[string]any{"GREETING": "hello"},
	})

	out, err := r.RunCode(context.Background(), request(map[string]any{
		"value":         map[string]any{},
		"namespace":     "guest",
		"activation_id": "a1b2",
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"ns":       "guest",
		"id":       "a1b2",
		"host":     "https://whisk.example.com",
		"greeting": "hello",
	}, out.Response)
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		code    string
		wantMsg string
	}{
		{"array_result", "#!/bin/sh\nread line\necho '[1,2]'\n", msgNotDictionary},
		{"null_result", "#!/bin/sh\nread line\necho 'null'\n", msgNotDictionary},
		{"no_output", "#!/bin/sh\nread line\n", msgNotDictionary},
		{"non_zero_exit", "#!/bin/sh\necho oops >&2\nexit 3\n", msgExitedUnexpectedly},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, _, stderr := newStartedRunner(t, nil)
			initWith(t, r, map[string]any{"code": tt.code})

			_, err := r.RunCode(context.Background(), request(nil))
			requireFailure(t, err, http.StatusBadGateway, tt.wantMsg)
			assert.True(t, strings.HasSuffix(stderr.String(), ActivationSentinel+"\n"))
			assert.Equal(t, string(StatusReady), r.Status())
		})
	}
}

func TestRunDeadline(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)
	initWith(t, r, map[string]any{"code": "#!/bin/sh\nexec sleep 5\n"})

	deadline := time.Now().Add(100 * time.Millisecond).UnixMilli()

	start := time.Now()
	_, err := r.RunCode(context.Background(), request(map[string]any{
		"deadline": strconv.FormatInt(deadline, 10),
	}))
	requireFailure(t, err, http.StatusBadGateway, msgExitedUnexpectedly)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunConcurrency(t *testing.T) {
	t.Parallel()

	const slowScript = "#!/bin/sh\nread line\nsleep 1\necho '{}'\n"

	t.Run("rejected_without_allowance", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newStartedRunner(t, nil)
		initWith(t, r, map[string]any{"code": slowScript})

		done := make(chan error, 1)
		go func() {
			_, err := r.RunCode(context.Background(), request(nil))
			done <- err
		}()

		require.Eventually(t, func() bool {
			return r.Status() == string(StatusRunning)
		}, 2*time.Second, 10*time.Millisecond)

		_, err := r.RunCode(context.Background(), request(nil))
		requireFailure(t, err, http.StatusForbidden, "System not ready, status is running.")

		require.NoError(t, <-done)
		assert.Equal(t, string(StatusReady), r.Status())
	})

	t.Run("accepted_with_allowance", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newStartedRunner(t, &config.Config{AllowConcurrent: true})
		initWith(t, r, map[string]any{"code": slowScript})

		var wg sync.WaitGroup
		errs := make([]error, 3)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = r.RunCode(context.Background(), request(nil))
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, string(StatusReady), r.Status())
	})
}

func TestShutdownStopsRunner(t *testing.T) {
	t.Parallel()

	r, _, _ := newStartedRunner(t, nil)
	r.stop()

	assert.Equal(t, string(StatusStopped), r.Status())

	_, err := r.InitCode(context.Background(), request(map[string]any{"code": echoScript}))
	requireFailure(t, err, http.StatusForbidden, msgAlreadyInitialized)
}

func TestSplitResult(t *testing.T) {
	t.Parallel()

	logs, result := splitResult([]byte("a\nb\n{\"ok\":true}\n\n"))
	assert.Equal(t, "a\nb\n", string(logs))
	assert.Equal(t, `{"ok":true}`, string(result))

	logs, result = splitResult([]byte(`{"ok":true}`))
	assert.Empty(t, logs)
	assert.Equal(t, `{"ok":true}`, string(result))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
