// Package connection opens service endpoints for the duration of a task.
// Opening stages credentials in a run-unique directory and exposes them to
// tools through an environment overlay carried on each command, never
// through the process environment. Closing removes everything staged.
package connection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/taskcore/pkg/taskerr"
	"github.com/openfroyo/taskcore/pkg/telemetry"
	sshtransport "github.com/openfroyo/taskcore/pkg/transports/ssh"
)

// Environment variables set in a connection's overlay.
const (
	EnvDockerConfig  = "DOCKER_CONFIG"
	EnvKubeconfig    = "KUBECONFIG"
	EnvHelmNamespace = "HELM_NAMESPACE"
)

// stagingPrefix names every staging directory.
const stagingPrefix = "taskcore-"

// SSHDialer opens an SSH transport.
type SSHDialer func(ctx context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error)

// Manager opens connections.
type Manager struct {
	baseDir string
	dial    SSHDialer
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseDir sets where staging directories are created. Defaults to
// os.TempDir().
func WithBaseDir(dir string) Option {
	return func(m *Manager) { m.baseDir = dir }
}

// WithSSHDialer replaces how ssh endpoints are dialed.
func WithSSHDialer(d SSHDialer) Option {
	return func(m *Manager) { m.dial = d }
}

// NewManager creates a connection manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		baseDir: os.TempDir(),
		dial:    dialSSH,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open validates ep and stages its credentials. Validation failures return
// an InvalidEndpoint error before anything is written. If staging fails
// part way, whatever was staged is removed before Open returns.
func (m *Manager) Open(ctx context.Context, ep Endpoint) (conn *Connection, err error) {
	if err := ep.Validate(); err != nil {
		telemetry.MetricsFrom(ctx).RecordError(string(taskerr.KindInvalidEndpoint))
		return nil, err
	}

	id := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, func(t *telemetry.Tracer) (context.Context, trace.Span) {
		return t.StartConnectionSpan(ctx, "open", ep.Name, string(ep.Kind))
	})
	span.SetAttributes(telemetry.AttrConnectionID.String(id))
	defer span.End()

	logger := telemetry.FromContext(ctx).WithConnection(id, ep.Name, string(ep.Kind))

	auth := authFrom(ep)
	enclave, err := auth.seal()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	conn = &Connection{
		id:       id,
		endpoint: ep.Redacted(),
		env:      make(map[string]string),
		auth:     enclave,
		runID:    telemetry.RunID(ctx),
		tel:      telemetry.FromTelemetryContext(ctx),
		logger:   logger,
	}

	defer func() {
		if err == nil {
			return
		}
		if rerr := conn.releaseLocked(); rerr != nil {
			err = multierror.Append(err, rerr)
		}
		conn.closed = true
		telemetry.RecordError(span, err)
		logger.WithError(err).Error("failed to open connection")
		conn = nil
	}()

	dir := filepath.Join(m.baseDir, stagingPrefix+id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return conn, fmt.Errorf("create staging dir: %w", err)
	}
	conn.dir = dir

	if err := m.stage(ctx, conn, ep, auth); err != nil {
		return conn, err
	}

	telemetry.RecordSuccess(span)
	telemetry.MetricsFrom(ctx).RecordConnectionOpened(string(ep.Kind))
	_ = telemetry.EventsFrom(ctx).PublishConnectionOpened(conn.runID, id, ep.Name, string(ep.Kind))
	logger.WithField("staging_dir", dir).Info("connection opened")

	return conn, nil
}

func (m *Manager) stage(ctx context.Context, conn *Connection, ep Endpoint, auth authMaterial) error {
	switch ep.Kind {
	case KindDockerRegistry:
		host, err := ep.RegistryHost()
		if err != nil {
			return err
		}
		path, err := stageDockerConfig(conn.dir, host, auth)
		if err != nil {
			return err
		}
		conn.configPath = path
		conn.registryHost = host
		conn.env[EnvDockerConfig] = conn.dir

	case KindKubernetes, KindHelm:
		path, err := stageKubeconfig(conn.dir, ep, auth)
		if err != nil {
			return err
		}
		conn.configPath = path
		conn.env[EnvKubeconfig] = path
		if ep.Kind == KindHelm && ep.Namespace != "" {
			conn.env[EnvHelmNamespace] = ep.Namespace
		}

	case KindSSH:
		cfg, err := sshConfig(ep, auth)
		if err != nil {
			return err
		}
		t, err := m.dial(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", ep.Name, err)
		}
		conn.transport = t
	}
	return nil
}

// With opens ep, runs fn, and closes the connection however fn returns,
// including by panic or cancellation. fn's error takes precedence; a
// cleanup failure is appended to it.
func (m *Manager) With(ctx context.Context, ep Endpoint, fn func(context.Context, *Connection) error) (err error) {
	conn, err := m.Open(ctx, ep)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				err = multierror.Append(err, cerr)
			}
		}
	}()

	return fn(ctx, conn)
}

func sshConfig(ep Endpoint, auth authMaterial) (*sshtransport.Config, error) {
	host, port, err := ep.SSHAddress()
	if err != nil {
		return nil, err
	}

	cfg := sshtransport.DefaultConfig(host, ep.sshUser())
	cfg.Port = port
	if auth.PrivateKey != "" {
		cfg.AuthMethod = sshtransport.AuthMethodKey
		cfg.PrivateKey = []byte(auth.PrivateKey)
		cfg.PrivateKeyPassphrase = auth.Passphrase
	} else {
		cfg.AuthMethod = sshtransport.AuthMethodPassword
		cfg.Password = auth.Password
	}
	if ep.KnownHostsPath != "" {
		cfg.KnownHostsPath = ep.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = !ep.Insecure

	return cfg, nil
}

func dialSSH(ctx context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error) {
	client, err := sshtransport.NewSSHClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
