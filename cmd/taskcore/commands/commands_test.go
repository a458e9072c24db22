package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/journal"
	"github.com/openfroyo/taskcore/pkg/taskerr"
	sshtransport "github.com/openfroyo/taskcore/pkg/transports/ssh"
)

const testSettings = `
log:
  level: error
journal: journal.db
endpoints:
  - name: registry
    kind: docker-registry
    url: https://registry.example.com
    username: builder
    password: s3cr3t-registry
  - name: web01
    kind: ssh
    url: ssh://deploy@web01.internal:22
    password: s3cr3t-ssh
    insecure: true
`

// writeSettings writes a settings file with a journal next to it.
func writeSettings(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSettings), 0o600))
	return path
}

// run executes the CLI with args and returns what it wrote to stdout.
func run(t *testing.T, settings string, args ...string) (string, error) {
	t.Helper()
	return runApp(t, &app{}, settings, args...)
}

func runApp(t *testing.T, a *app, settings string, args ...string) (string, error) {
	t.Helper()

	a.version, a.commit, a.buildDate = "1.2.3", "abc123", "2026-01-01"
	cmd := newRootCommand(a)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", settings}, args...))

	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, a.close(context.Background()))
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, writeSettings(t), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "taskcore 1.2.3")
	assert.Contains(t, out, "abc123")

	out, err = run(t, writeSettings(t), "--json", "version")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "2026-01-01", info["build_date"])
}

func TestEndpointsCommand(t *testing.T) {
	out, err := run(t, writeSettings(t), "endpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "registry")
	assert.Contains(t, out, "docker-registry")
	assert.Contains(t, out, "https://registry.example.com")
	assert.NotContains(t, out, "s3cr3t-registry")

	_, err = run(t, writeSettings(t), "endpoints", "missing")
	assert.Error(t, err)
}

func TestPolicyCheckCommand(t *testing.T) {
	settings := writeSettings(t)

	out, err := run(t, settings, "policy", "check", "--", "docker", "login", "--password", "hunter2", "registry.example.com")
	require.Error(t, err)
	assert.True(t, taskerr.IsPolicyDenied(err))
	assert.Contains(t, out, "denied")
	assert.Contains(t, out, "no-inline-registry-password")
	assert.NotContains(t, out, "hunter2")

	out, err = run(t, settings, "policy", "check", "--", "docker", "push", "registry.example.com/web:1.0")
	require.NoError(t, err)
	assert.Contains(t, out, "allowed")
}

func TestPolicyListCommand(t *testing.T) {
	out, err := run(t, writeSettings(t), "policy", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no-shell-eval")
	assert.Contains(t, out, "no-insecure-tls")
}

func TestTransformDryRun(t *testing.T) {
	settings := writeSettings(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "appsettings.json")
	original := "{\n  \"Logging\": {\n    \"Level\": \"Information\"\n  },\n  \"Port\": 80\n}\n"
	require.NoError(t, os.WriteFile(file, []byte(original), 0o600))

	out, err := run(t, settings, "transform", "--dry-run", "--var", "Logging.Level=Warning", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Warning")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	_, err = run(t, settings, "transform", file)
	assert.Error(t, err, "no variables and no xdt")
}

func TestPollCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := run(t, writeSettings(t), "poll", "--attempts", "2", "--delay", "10ms", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "is ready")
}

func TestPollCommandNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out, err := run(t, writeSettings(t), "--json", "poll", "--attempts", "2", "--delay", "10ms", srv.URL)
	require.Error(t, err)

	var outcome struct {
		Ready      bool `json:"ready"`
		Attempts   int  `json:"attempts"`
		LastStatus int  `json:"last_status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.False(t, outcome.Ready)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.LastStatus)
}

func TestExecExitCodeAndHistory(t *testing.T) {
	settings := writeSettings(t)
	script := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo building\nexit 3\n"), 0o600))

	out, err := run(t, settings, "exec", "--task", "build", "--", "sh", script)
	require.Error(t, err)
	code, ok := taskerr.ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "building")

	out, err = run(t, settings, "--json", "history")
	require.NoError(t, err)
	var runs []*journal.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "build", runs[0].Task)
	assert.Equal(t, journal.RunStatusFailed, runs[0].Status)

	out, err = run(t, settings, "history", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Commands:")
	assert.Contains(t, out, "sh")

	_, err = run(t, settings, "history", "--delete", runs[0].ID)
	require.NoError(t, err)
	_, err = run(t, settings, "history", runs[0].ID)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestExecDeniedByPolicy(t *testing.T) {
	out, err := run(t, writeSettings(t), "exec", "--", "sh", "-c", "echo hi")
	require.Error(t, err)
	assert.True(t, taskerr.IsPolicyDenied(err))
	assert.NotContains(t, out, "hi")
}

func TestHistoryWithoutJournal(t *testing.T) {
	_, err := run(t, writeSettings(t), "--no-journal", "history")
	assert.Error(t, err)
}

type recordingExecutor struct {
	ran []string
}

func (r *recordingExecutor) Execute(_ context.Context, cmd execution.Command) (*execution.Result, error) {
	r.ran = append(r.ran, cmd.String())
	return &execution.Result{Tool: cmd.Tool()}, nil
}

// remoteHost stands in for an ssh server.
type remoteHost struct {
	exec      recordingExecutor
	steps     []string
	connected bool
}

func (h *remoteHost) Connect(context.Context) error {
	h.connected = true
	return nil
}

func (h *remoteHost) Disconnect() error {
	h.connected = false
	return nil
}

func (h *remoteHost) IsConnected() bool { return h.connected }

func (h *remoteHost) Executor(...sshtransport.RemoteOption) execution.Executor {
	h.steps = append(h.steps, "exec")
	return &h.exec
}

func (h *remoteHost) Upload(_ context.Context, local, remote string) (*sshtransport.FileTransferResult, error) {
	h.steps = append(h.steps, "upload "+local+" "+remote)
	return &sshtransport.FileTransferResult{Files: 1}, nil
}

func (h *remoteHost) Download(_ context.Context, remote, local string) (*sshtransport.FileTransferResult, error) {
	h.steps = append(h.steps, "download "+remote+" "+local)
	return &sshtransport.FileTransferResult{Files: 1}, nil
}

func TestExecTransfersFilesOverSSH(t *testing.T) {
	host := &remoteHost{}
	a := &app{sshDialer: func(ctx context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error) {
		assert.Equal(t, "web01.internal", cfg.Host)
		assert.Equal(t, "deploy", cfg.User)
		return host, host.Connect(ctx)
	}}

	_, err := runApp(t, a, writeSettings(t),
		"exec", "--endpoint", "web01",
		"--upload", "dist:/srv/web/releases/42",
		"--download", "/var/log/install.log:logs/install.log",
		"--", "/srv/web/install.sh", "42")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"upload dist /srv/web/releases/42",
		"exec",
		"download /var/log/install.log logs/install.log",
	}, host.steps)
	assert.Equal(t, []string{"/srv/web/install.sh 42"}, host.exec.ran)
	assert.False(t, host.connected, "connection must be closed")
}

func TestExecTransferNeedsSSHEndpoint(t *testing.T) {
	settings := writeSettings(t)

	_, err := run(t, settings, "exec", "--endpoint", "registry", "--upload", "a:/b", "--", "docker", "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh endpoint")

	_, err = run(t, settings, "exec", "--upload", "a:/b", "--", "true")
	assert.Error(t, err)
}

func TestParseTransfers(t *testing.T) {
	up, err := parseTransfers([]string{`C:\build\out:/srv/out`}, true)
	require.NoError(t, err)
	assert.Equal(t, []transfer{{local: `C:\build\out`, remote: "/srv/out"}}, up)

	down, err := parseTransfers([]string{`/var/log/a.log:C:\logs\a.log`}, false)
	require.NoError(t, err)
	assert.Equal(t, []transfer{{remote: "/var/log/a.log", local: `C:\logs\a.log`}}, down)

	for _, bad := range []string{"nocolon", ":/x", "x:"} {
		_, err := parseTransfers([]string{bad}, true)
		assert.Error(t, err, bad)
	}
}
