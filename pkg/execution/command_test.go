package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandIsImmutable(t *testing.T) {
	base := NewCommand("docker", "build").WithEnv("A", "1")

	derived := base.WithArgs("-t", "app:latest").WithEnv("B", "2").WithDir("/src").WithSecrets("pw")

	assert.Equal(t, []string{"build"}, base.Args())
	assert.Equal(t, map[string]string{"A": "1"}, base.Env())
	assert.Empty(t, base.Dir())
	assert.Empty(t, base.Secrets())

	assert.Equal(t, []string{"build", "-t", "app:latest"}, derived.Args())
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, derived.Env())
	assert.Equal(t, "/src", derived.Dir())

	args := derived.Args()
	args[0] = "mutated"
	assert.Equal(t, "build", derived.Args()[0])
}

func TestCommandEnviron(t *testing.T) {
	cmd := NewCommand("kubectl").WithEnvMap(map[string]string{
		"KUBECONFIG": "/tmp/run/kubeconfig",
		"ZED":        "z",
	})

	got := cmd.Environ([]string{"PATH=/usr/bin", "KUBECONFIG=/home/user/.kube/config", "HOME=/home/user"})
	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"KUBECONFIG=/tmp/run/kubeconfig",
		"HOME=/home/user",
		"ZED=z",
	}, got)
}

func TestCommandStringMasksSecrets(t *testing.T) {
	cmd := NewCommand("docker", "login", "--username", "ci", "--password", "hunter2", "registry.example.com")
	assert.Equal(t, "docker login --username ci --password *** registry.example.com", cmd.String())

	cmd = NewCommand("helm", "upgrade", "--set", "db.password=topsecret", "rel").WithSecrets("topsecret")
	assert.Equal(t, "helm upgrade --set db.password=*** rel", cmd.String())

	assert.Equal(t, "echo 'a b' ''", NewCommand("echo", "a b", "").String())
}

func TestWithSecretsIgnoresBlank(t *testing.T) {
	cmd := NewCommand("x").WithSecrets("", "  ", "tok", "tok")
	assert.Equal(t, []string{"tok"}, cmd.Secrets())
}
