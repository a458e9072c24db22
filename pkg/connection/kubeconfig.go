package connection

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type kubeconfig struct {
	APIVersion     string         `yaml:"apiVersion"`
	Kind           string         `yaml:"kind"`
	Clusters       []namedCluster `yaml:"clusters"`
	Users          []namedUser    `yaml:"users"`
	Contexts       []namedContext `yaml:"contexts"`
	CurrentContext string         `yaml:"current-context"`
}

type namedCluster struct {
	Name    string      `yaml:"name"`
	Cluster kubeCluster `yaml:"cluster"`
}

type kubeCluster struct {
	Server                string `yaml:"server"`
	InsecureSkipTLSVerify bool   `yaml:"insecure-skip-tls-verify,omitempty"`
}

type namedUser struct {
	Name string   `yaml:"name"`
	User kubeUser `yaml:"user"`
}

type kubeUser struct {
	Token string `yaml:"token"`
}

// kubeCredentials are the user fields of a supplied kubeconfig that
// carry secrets.
type kubeCredentials struct {
	Users []struct {
		User struct {
			Token         string `yaml:"token"`
			Password      string `yaml:"password"`
			ClientKeyData string `yaml:"client-key-data"`
			AuthProvider  struct {
				Config map[string]string `yaml:"config"`
			} `yaml:"auth-provider"`
		} `yaml:"user"`
	} `yaml:"users"`
}

// kubeconfigSecrets extracts the credential values of an inline
// kubeconfig so command output echoing them can be masked. A kubeconfig
// that does not parse yields nothing; kubectl will reject it anyway.
func kubeconfigSecrets(raw string) []string {
	var cfg kubeCredentials
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil
	}

	var out []string
	for _, u := range cfg.Users {
		out = append(out, u.User.Token, u.User.Password, u.User.ClientKeyData)
		for key, value := range u.User.AuthProvider.Config {
			if strings.Contains(key, "token") || strings.Contains(key, "secret") {
				out = append(out, value)
			}
		}
	}
	return out
}

type namedContext struct {
	Name    string      `yaml:"name"`
	Context kubeContext `yaml:"context"`
}

type kubeContext struct {
	Cluster   string `yaml:"cluster"`
	User      string `yaml:"user"`
	Namespace string `yaml:"namespace,omitempty"`
}

// synthesizeKubeconfig builds a single-context kubeconfig for a token
// authenticated API server.
func synthesizeKubeconfig(ep Endpoint, token string) ([]byte, error) {
	name := ep.Name
	user := name + "-user"

	cfg := kubeconfig{
		APIVersion: "v1",
		Kind:       "Config",
		Clusters: []namedCluster{{
			Name:    name,
			Cluster: kubeCluster{Server: ep.URL, InsecureSkipTLSVerify: ep.Insecure},
		}},
		Users: []namedUser{{
			Name: user,
			User: kubeUser{Token: token},
		}},
		Contexts: []namedContext{{
			Name:    name,
			Context: kubeContext{Cluster: name, User: user, Namespace: ep.Namespace},
		}},
		CurrentContext: name,
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("encode kubeconfig: %w", err)
	}
	return data, nil
}

// stageKubeconfig writes the supplied or synthesized kubeconfig into dir
// and returns its path.
func stageKubeconfig(dir string, ep Endpoint, auth authMaterial) (string, error) {
	data := []byte(auth.Kubeconfig)
	if len(data) == 0 {
		var err error
		data, err = synthesizeKubeconfig(ep, auth.Token)
		if err != nil {
			return "", err
		}
	}

	path := filepath.Join(dir, "kubeconfig")
	if err := writeSecretFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}
