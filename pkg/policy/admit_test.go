package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/taskcore/pkg/connection"
	"github.com/openfroyo/taskcore/pkg/execution"
	"github.com/openfroyo/taskcore/pkg/taskerr"
)

func TestInputFor(t *testing.T) {
	cmd := execution.NewCommand("helm", "upgrade", "web", "--set", "db.password=hunter2", "--token", "abc").
		WithDir("/src").
		WithEnv(connection.EnvKubeconfig, "/tmp/kc").
		WithEnv(connection.EnvHelmNamespace, "web").
		WithSecrets("hunter2")

	in := InputFor(cmd)

	if in.Tool != "helm" || in.Dir != "/src" {
		t.Errorf("Unexpected tool or dir: %+v", in)
	}
	if in.ConnectionKind != string(connection.KindHelm) {
		t.Errorf("Expected connection kind helm, got %q", in.ConnectionKind)
	}
	if strings.Join(in.EnvKeys, ",") != "HELM_NAMESPACE,KUBECONFIG" {
		t.Errorf("Expected sorted env keys, got %v", in.EnvKeys)
	}
	joined := strings.Join(in.Args, " ")
	if strings.Contains(joined, "hunter2") || strings.Contains(joined, "abc") {
		t.Errorf("Expected redacted args, got %v", in.Args)
	}
}

func TestConnectionKind(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{env: nil, want: ""},
		{env: map[string]string{connection.EnvDockerConfig: "/tmp/d"}, want: "docker-registry"},
		{env: map[string]string{connection.EnvKubeconfig: "/tmp/k"}, want: "kubernetes"},
		{env: map[string]string{connection.EnvKubeconfig: "/tmp/k", connection.EnvHelmNamespace: "ns"}, want: "helm"},
	}

	for _, tt := range tests {
		if got := connectionKind(tt.env); got != tt.want {
			t.Errorf("connectionKind(%v) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestAdmitterDenies(t *testing.T) {
	admitter := NewAdmitter(newTestEngine(t))

	cmd := execution.NewCommand("docker", "login", "-u", "builder", "-p", "s3cret", "r.io").WithSecrets("s3cret")
	err := admitter.Admit(context.Background(), cmd)
	if !taskerr.IsPolicyDenied(err) {
		t.Fatalf("Expected PolicyDenied, got %v", err)
	}

	te, _ := taskerr.As(err)
	if te.Tool != "docker" {
		t.Errorf("Expected tool docker, got %s", te.Tool)
	}
	if len(te.Violations) != 1 || !strings.HasPrefix(te.Violations[0], PolicyNoInlineRegistryPassword+":") {
		t.Errorf("Unexpected violations: %v", te.Violations)
	}
	if strings.Contains(err.Error(), "s3cret") || strings.Contains(strings.Join(te.Violations, " "), "s3cret") {
		t.Error("Secret leaked into the denial")
	}
}

func TestAdmitterAllowsWarnings(t *testing.T) {
	admitter := NewAdmitter(newTestEngine(t))

	cmd := execution.NewCommand("kubectl", "get", "pods", "--insecure-skip-tls-verify")
	if err := admitter.Admit(context.Background(), cmd); err != nil {
		t.Fatalf("Expected warning-only command to be admitted, got %v", err)
	}

	decision, err := admitter.Check(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(decision.Warnings) != 1 {
		t.Errorf("Expected one warning, got %v", decision.Warnings)
	}
}

func TestExecutorWithAdmitterSpawnsNothing(t *testing.T) {
	executor := execution.NewLocalExecutor(
		execution.WithAdmitter(NewAdmitter(newTestEngine(t))),
		execution.WithLookPath(func(string) (string, error) {
			return "/nonexistent/taskcore-test-shell", nil
		}),
	)

	res, err := executor.Execute(context.Background(), execution.NewCommand("sh", "-c", "touch /tmp/should-not-exist"))
	if !taskerr.IsPolicyDenied(err) {
		t.Fatalf("Expected PolicyDenied before spawn, got %v", err)
	}
	if res != nil {
		t.Errorf("Expected no result, got %+v", res)
	}
}
