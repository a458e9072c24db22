package connection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dockerConfig is the subset of ~/.docker/config.json the docker CLI reads
// for registry credentials.
type dockerConfig struct {
	Auths map[string]dockerAuth `json:"auths"`
}

type dockerAuth struct {
	Auth string `json:"auth"`
}

// stageDockerConfig writes config.json into dir and returns its path.
func stageDockerConfig(dir, host string, auth authMaterial) (string, error) {
	data, err := json.MarshalIndent(dockerConfig{
		Auths: map[string]dockerAuth{host: {Auth: auth.basicAuth()}},
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode docker config: %w", err)
	}

	path := filepath.Join(dir, "config.json")
	if err := writeSecretFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// QualifiedImageName prefixes repository with the registry host of a
// docker-registry connection unless the repository already names a
// registry. Docker Hub repositories are returned unchanged.
func (c *Connection) QualifiedImageName(repository string) string {
	if c.endpoint.Kind != KindDockerRegistry || c.registryHost == "" {
		return repository
	}
	return qualifyImage(c.registryHost, repository)
}

func qualifyImage(host, repository string) string {
	repository = strings.TrimPrefix(repository, "/")
	if hasRegistryPrefix(repository) {
		return repository
	}
	switch host {
	case "docker.io", "index.docker.io", "registry-1.docker.io", "registry.hub.docker.com":
		return repository
	}
	return host + "/" + repository
}

// hasRegistryPrefix applies the docker reference rule: the first path
// component is a registry when it contains a dot or colon or is localhost.
func hasRegistryPrefix(repository string) bool {
	first, _, found := strings.Cut(repository, "/")
	if !found {
		return false
	}
	return strings.ContainsAny(first, ".:") || first == "localhost"
}

// writeSecretFile writes data readable only by the current user.
func writeSecretFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
