package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/taskcore/pkg/connection"
)

// Environment variables that override settings.
const (
	EnvLogLevel = "TASKCORE_LOG_LEVEL"
	EnvJournal  = "TASKCORE_JOURNAL"
)

// SearchNames are the settings files Discover looks for, in order.
var SearchNames = []string{"taskcore.yaml", "taskcore.yml", "taskcore.toml", "taskcore.cue", "taskcore.json"}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Journal: DefaultJournalPath(),
	}
}

// DefaultJournalPath is the journal location under the user cache dir.
func DefaultJournalPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "taskcore", "journal.db")
}

// Discover returns the first settings file from SearchNames found in dir,
// or "" when there is none.
func Discover(dir string) string {
	for _, name := range SearchNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path
		}
	}
	return ""
}

// Load reads the settings file at path, fills defaults, applies the
// environment overrides and validates the result. An empty path loads the
// defaults.
func Load(path string) (*Settings, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*Settings, error) {
	s := Default()

	if path != "" {
		format, err := FormatFor(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}

		parser, err := NewParser()
		if err != nil {
			return nil, err
		}
		parsed, err := parser.Parse(path, data, format)
		if err != nil {
			return nil, err
		}
		s.merge(parsed)
	}

	s.applyEnv(getenv)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// merge copies the fields set in o over s.
func (s *Settings) merge(o *Settings) {
	if o.Log.Level != "" {
		s.Log.Level = o.Log.Level
	}
	if o.Log.Format != "" {
		s.Log.Format = o.Log.Format
	}
	if o.Journal != "" {
		s.Journal = o.Journal
	}
	s.StagingDir = o.StagingDir
	s.Policy = o.Policy
	s.Poll = o.Poll
	s.Endpoints = o.Endpoints
	s.Variables = o.Variables
	s.Source = o.Source

	// Relative paths are relative to the settings file.
	base := filepath.Dir(o.Source)
	s.Journal = resolve(base, s.Journal)
	s.StagingDir = resolve(base, s.StagingDir)
	for i, p := range s.Policy.Paths {
		s.Policy.Paths[i] = resolve(base, p)
	}
	for i := range s.Endpoints {
		s.Endpoints[i].KnownHostsPath = resolve(base, s.Endpoints[i].KnownHostsPath)
	}
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// applyEnv applies the TASKCORE_* overrides and expands ${VAR} references
// in endpoint credentials, which keeps secrets out of the file itself.
func (s *Settings) applyEnv(getenv func(string) string) {
	if v := getenv(EnvLogLevel); v != "" {
		s.Log.Level = v
	}
	if v := getenv(EnvJournal); v != "" {
		s.Journal = v
	}

	for i := range s.Endpoints {
		ep := &s.Endpoints[i]
		ep.Username = os.Expand(ep.Username, getenv)
		ep.Password = os.Expand(ep.Password, getenv)
		ep.Token = os.Expand(ep.Token, getenv)
		ep.Passphrase = os.Expand(ep.Passphrase, getenv)
	}
}

// Validate checks what the schema cannot: the log level after overrides,
// poll durations, endpoint credentials and endpoint name uniqueness.
func (s *Settings) Validate() error {
	var result *multierror.Error

	if _, err := zerolog.ParseLevel(s.Log.Level); err != nil || s.Log.Level == "" {
		result = multierror.Append(result, fmt.Errorf("invalid log level %q", s.Log.Level))
	}
	if s.Log.Format != "console" && s.Log.Format != "json" {
		result = multierror.Append(result, fmt.Errorf("invalid log format %q", s.Log.Format))
	}

	if _, err := s.Poll.RetryPolicy(); err != nil {
		result = multierror.Append(result, err)
	}

	seen := make(map[string]bool, len(s.Endpoints))
	for _, ep := range s.Endpoints {
		if seen[ep.Name] {
			result = multierror.Append(result, fmt.Errorf("endpoint %q is defined more than once", ep.Name))
			continue
		}
		seen[ep.Name] = true
		if err := ep.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// EndpointNames lists the configured endpoints in file order.
func (s *Settings) EndpointNames() []string {
	names := make([]string, len(s.Endpoints))
	for i, ep := range s.Endpoints {
		names[i] = ep.Name
	}
	return names
}

// ManagerOptions returns the connection manager options the settings imply.
func (s *Settings) ManagerOptions() []connection.Option {
	var opts []connection.Option
	if s.StagingDir != "" {
		opts = append(opts, connection.WithBaseDir(s.StagingDir))
	}
	return opts
}
