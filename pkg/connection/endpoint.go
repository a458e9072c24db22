package connection

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/taskcore/pkg/taskerr"
)

// Kind identifies the external service an endpoint points at.
type Kind string

const (
	KindDockerRegistry Kind = "docker-registry"
	KindKubernetes     Kind = "kubernetes"
	KindHelm           Kind = "helm"
	KindSSH            Kind = "ssh"
	KindGeneric        Kind = "generic"
)

// Kinds lists every supported endpoint kind.
var Kinds = []Kind{KindDockerRegistry, KindKubernetes, KindHelm, KindSSH, KindGeneric}

// DefaultTool returns the CLI a kind's commands run by default, or "" when
// the kind has none.
func (k Kind) DefaultTool() string {
	switch k {
	case KindDockerRegistry:
		return "docker"
	case KindKubernetes:
		return "kubectl"
	case KindHelm:
		return "helm"
	default:
		return ""
	}
}

// Endpoint describes a service connection as resolved by the pipeline.
// Password, Token, PrivateKey, Passphrase and Kubeconfig are secret.
type Endpoint struct {
	Name string `yaml:"name" toml:"name" json:"name" validate:"required,max=128"`
	Kind Kind   `yaml:"kind" toml:"kind" json:"kind" validate:"required,oneof=docker-registry kubernetes helm ssh generic"`
	URL  string `yaml:"url" toml:"url" json:"url" validate:"required_without=Kubeconfig"`

	Username   string `yaml:"username,omitempty" toml:"username" json:"username,omitempty"`
	Password   string `yaml:"password,omitempty" toml:"password" json:"password,omitempty"`
	Token      string `yaml:"token,omitempty" toml:"token" json:"token,omitempty"`
	Kubeconfig string `yaml:"kubeconfig,omitempty" toml:"kubeconfig" json:"kubeconfig,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty" toml:"private_key" json:"private_key,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty" toml:"passphrase" json:"passphrase,omitempty"`

	Namespace      string `yaml:"namespace,omitempty" toml:"namespace" json:"namespace,omitempty" validate:"omitempty,max=63"`
	Insecure       bool   `yaml:"insecure,omitempty" toml:"insecure" json:"insecure,omitempty"`
	KnownHostsPath string `yaml:"known_hosts,omitempty" toml:"known_hosts" json:"known_hosts,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the endpoint and returns an InvalidEndpoint error for the
// first problem found.
func (e Endpoint) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return taskerr.NewInvalidEndpointError(e.Name, fe.Field(), describe(fe))
		}
		return taskerr.NewInvalidEndpointError(e.Name, "", err.Error())
	}

	invalid := func(field, msg string) error {
		return taskerr.NewInvalidEndpointError(e.Name, field, msg)
	}

	switch e.Kind {
	case KindDockerRegistry:
		if _, err := e.RegistryHost(); err != nil {
			return invalid("url", err.Error())
		}
		if e.Username == "" {
			return invalid("username", "is required for docker-registry endpoints")
		}
		if e.Password == "" && e.Token == "" {
			return invalid("password", "password or token is required for docker-registry endpoints")
		}

	case KindKubernetes, KindHelm:
		if e.Kubeconfig != "" {
			var doc map[string]interface{}
			if err := yaml.Unmarshal([]byte(e.Kubeconfig), &doc); err != nil || len(doc) == 0 {
				return invalid("kubeconfig", "is not a kubeconfig document")
			}
			break
		}
		if e.Token == "" {
			return invalid("token", "token or kubeconfig is required for "+string(e.Kind)+" endpoints")
		}
		u, err := url.Parse(e.URL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return invalid("url", "must be an http(s) API server URL")
		}

	case KindSSH:
		if _, _, err := e.SSHAddress(); err != nil {
			return invalid("url", err.Error())
		}
		if e.sshUser() == "" {
			return invalid("username", "is required for ssh endpoints")
		}
		if e.Password == "" && e.PrivateKey == "" {
			return invalid("password", "password or private_key is required for ssh endpoints")
		}
	}

	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// Redacted returns a copy with every secret field cleared.
func (e Endpoint) Redacted() Endpoint {
	e.Password = ""
	e.Token = ""
	e.Kubeconfig = ""
	e.PrivateKey = ""
	e.Passphrase = ""
	return e
}

// String renders the endpoint without secrets.
func (e Endpoint) String() string {
	if e.URL == "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.Kind)
	}
	return fmt.Sprintf("%s (%s %s)", e.Name, e.Kind, e.URL)
}

// RegistryHost returns the host[:port] of a registry URL, which may be
// given with or without a scheme.
func (e Endpoint) RegistryHost() (string, error) {
	raw := strings.TrimSpace(e.URL)
	if raw == "" {
		return "", fmt.Errorf("registry URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid registry URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("registry URL has no host")
	}
	return strings.ToLower(u.Host), nil
}

// SSHAddress returns the host and port of an ssh endpoint. The URL may be
// "host", "host:port" or "ssh://[user@]host[:port]".
func (e Endpoint) SSHAddress() (string, int, error) {
	u, err := e.sshURL()
	if err != nil {
		return "", 0, err
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("ssh URL has no host")
	}
	port := 22
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("invalid ssh port %q", p)
		}
	}
	return host, port, nil
}

func (e Endpoint) sshURL() (*url.URL, error) {
	raw := strings.TrimSpace(e.URL)
	if raw == "" {
		return nil, fmt.Errorf("ssh URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ssh://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh URL: %w", err)
	}
	if u.Scheme != "ssh" {
		return nil, fmt.Errorf("unsupported ssh URL scheme %q", u.Scheme)
	}
	return u, nil
}

// sshUser prefers the explicit Username over one embedded in the URL.
func (e Endpoint) sshUser() string {
	if e.Username != "" {
		return e.Username
	}
	if u, err := e.sshURL(); err == nil && u.User != nil {
		return u.User.Username()
	}
	return ""
}
