package connection

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/telemetry"
	sshtransport "github.com/openfroyo/taskcore/pkg/transports/ssh"
)

// Connection is an opened endpoint: staged credentials, an environment
// overlay for the tools that consume them, and for ssh endpoints a live
// transport. A Connection must be closed; Manager.With does that for you.
type Connection struct {
	id           string
	endpoint     Endpoint
	dir          string
	configPath   string
	registryHost string

	mu        sync.Mutex
	closed    bool
	env       map[string]string
	auth      *memguard.Enclave
	transport sshtransport.Transport

	runID  string
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Endpoint returns the endpoint descriptor with secrets removed.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// Kind returns the endpoint kind.
func (c *Connection) Kind() Kind { return c.endpoint.Kind }

// Dir returns the staging directory. It no longer exists after Close.
func (c *Connection) Dir() string { return c.dir }

// ConfigPath returns the staged credential file, or "" for kinds that
// stage none.
func (c *Connection) ConfigPath() string { return c.configPath }

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Env returns a copy of the environment overlay. It is empty after Close.
func (c *Connection) Env() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// Command builds a command for the kind's default tool (docker, kubectl or
// helm) carrying the connection's environment and secrets.
func (c *Connection) Command(args ...string) execution.Command {
	return c.CommandFor(c.endpoint.Kind.DefaultTool(), args...)
}

// CommandFor builds a command for tool carrying the connection's
// environment and secrets.
func (c *Connection) CommandFor(tool string, args ...string) execution.Command {
	return execution.NewCommand(tool, args...).
		WithEnvMap(c.Env()).
		WithSecrets(c.secrets()...)
}

// BuildCommand is Connection.Command for callers holding a connection value.
func BuildCommand(conn *Connection, args ...string) execution.Command {
	return conn.Command(args...)
}

func (c *Connection) secrets() []string {
	c.mu.Lock()
	enclave := c.auth
	c.mu.Unlock()

	if enclave == nil {
		return nil
	}
	auth, err := openAuth(enclave)
	if err != nil {
		c.logger.WithError(err).Warn("auth material unavailable for redaction")
		return nil
	}
	return auth.secrets(c.endpoint.Kind)
}

// Executor returns the executor commands for this connection run on: the
// remote executor for ssh endpoints, local otherwise.
func (c *Connection) Executor(local execution.Executor, opts ...sshtransport.RemoteOption) execution.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return c.transport.Executor(opts...)
	}
	return local
}

// Upload copies a local file or directory to the ssh host.
func (c *Connection) Upload(ctx context.Context, localPath, remotePath string) (*sshtransport.FileTransferResult, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil, fmt.Errorf("connection %s: upload requires an open ssh endpoint", c.endpoint.Name)
	}
	return t.Upload(ctx, localPath, remotePath)
}

// Download copies a file from the ssh host to localPath.
func (c *Connection) Download(ctx context.Context, remotePath, localPath string) (*sshtransport.FileTransferResult, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil, fmt.Errorf("connection %s: download requires an open ssh endpoint", c.endpoint.Name)
	}
	return t.Download(ctx, remotePath, localPath)
}

// Close removes staged credentials, clears the environment overlay, drops
// the sealed auth material and disconnects ssh. It is safe to call more
// than once; later calls return nil.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	ctx := context.Background()
	if c.tel != nil {
		ctx = c.tel.WithContext(ctx)
	}
	_, span := telemetry.StartSpan(ctx, func(t *telemetry.Tracer) (context.Context, trace.Span) {
		return t.StartConnectionSpan(ctx, "close", c.endpoint.Name, string(c.endpoint.Kind))
	})
	defer span.End()

	err := c.releaseLocked()

	telemetry.MetricsFrom(ctx).RecordConnectionClosed()
	_ = telemetry.EventsFrom(ctx).PublishConnectionClosed(c.runID, c.id, c.endpoint.Name, string(c.endpoint.Kind), err)

	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.WithError(err).Warn("connection cleanup incomplete")
		return err
	}
	telemetry.RecordSuccess(span)
	c.logger.Debug("connection closed")
	return nil
}

// releaseLocked undoes everything Open staged. c.mu must be held.
func (c *Connection) releaseLocked() error {
	var result *multierror.Error

	if c.transport != nil {
		if err := c.transport.Disconnect(); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect ssh: %w", err))
		}
		c.transport = nil
	}

	if c.dir != "" {
		if err := os.RemoveAll(c.dir); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove staging dir: %w", err))
		}
	}

	c.env = nil
	c.auth = nil

	return result.ErrorOrNil()
}
