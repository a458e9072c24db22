package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func policyNames(vs []Violation) []string {
	names := make([]string, 0, len(vs))
	for _, v := range vs {
		names = append(names, v.Policy)
	}
	return names
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		PolicyNoHelmDebugSecrets,
		PolicyNoInlineRegistryPassword,
		PolicyNoInsecureTLS,
		PolicyNoShellEval,
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("Expected policy %s at %d, got %s", expected[i], i, p.Name)
		}
		if !p.Enabled {
			t.Errorf("Built-in policy %s should be enabled", p.Name)
		}
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		input        Input
		wantAllowed  bool
		wantDeny     []string
		wantWarnings []string
	}{
		{
			name:        "sh -c",
			input:       Input{Tool: "sh", Args: []string{"-c", "echo hi"}},
			wantAllowed: false,
			wantDeny:    []string{PolicyNoShellEval},
		},
		{
			name:        "bash option cluster",
			input:       Input{Tool: "/bin/bash", Args: []string{"-lc", "make"}},
			wantAllowed: false,
			wantDeny:    []string{PolicyNoShellEval},
		},
		{
			name:        "cmd.exe /C",
			input:       Input{Tool: `C:\Windows\System32\cmd.exe`, Args: []string{"/C", "dir"}},
			wantAllowed: false,
			wantDeny:    []string{PolicyNoShellEval},
		},
		{
			name:        "shell running a script file",
			input:       Input{Tool: "bash", Args: []string{"deploy.sh"}},
			wantAllowed: true,
		},
		{
			name:        "docker login with -p",
			input:       Input{Tool: "docker", Args: []string{"login", "-u", "builder", "-p", "***", "r.io"}},
			wantAllowed: false,
			wantDeny:    []string{PolicyNoInlineRegistryPassword},
		},
		{
			name:        "helm registry login with --password=",
			input:       Input{Tool: "helm", Args: []string{"registry", "login", "r.io", "--password=***"}},
			wantAllowed: false,
			wantDeny:    []string{PolicyNoInlineRegistryPassword},
		},
		{
			name:        "docker login from stdin",
			input:       Input{Tool: "docker", Args: []string{"login", "-u", "builder", "--password-stdin", "r.io"}},
			wantAllowed: true,
		},
		{
			name:        "docker run publishing a port",
			input:       Input{Tool: "docker", Args: []string{"run", "-p", "8080:80", "nginx"}},
			wantAllowed: true,
		},
		{
			name:         "kubectl skipping tls",
			input:        Input{Tool: "kubectl", Args: []string{"apply", "-f", "k8s/", "--insecure-skip-tls-verify"}},
			wantAllowed:  true,
			wantWarnings: []string{PolicyNoInsecureTLS},
		},
		{
			name:         "helm debug with secret value",
			input:        Input{Tool: "helm", Args: []string{"upgrade", "web", "./chart", "--debug", "--set", "db.password=***"}},
			wantAllowed:  true,
			wantWarnings: []string{PolicyNoHelmDebugSecrets},
		},
		{
			name:         "helm debug with inline set",
			input:        Input{Tool: "helm", Args: []string{"upgrade", "web", "./chart", "--debug", "--set-string=apiToken=***"}},
			wantAllowed:  true,
			wantWarnings: []string{PolicyNoHelmDebugSecrets},
		},
		{
			name:        "helm secret value without debug",
			input:       Input{Tool: "helm", Args: []string{"upgrade", "web", "./chart", "--set", "db.password=***"}},
			wantAllowed: true,
		},
		{
			name:        "helm debug with harmless value",
			input:       Input{Tool: "helm", Args: []string{"upgrade", "web", "./chart", "--debug", "--set", "replicas=3"}},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if len(decision.Errors) != 0 {
				t.Fatalf("Unexpected evaluation errors: %v", decision.Errors)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.wantAllowed, decision.Allowed, decision.Violations)
			}
			if got := policyNames(decision.Violations); strings.Join(got, ",") != strings.Join(tt.wantDeny, ",") {
				t.Errorf("Expected denying policies %v, got %v", tt.wantDeny, got)
			}
			if got := policyNames(decision.Warnings); strings.Join(got, ",") != strings.Join(tt.wantWarnings, ",") {
				t.Errorf("Expected warning policies %v, got %v", tt.wantWarnings, got)
			}
			if len(decision.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", decision.EvaluatedPolicies)
			}
		})
	}
}

func TestViolationMessages(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.Evaluate(context.Background(), Input{Tool: "sh", Args: []string{"-c", "id"}})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	msgs := decision.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %v", msgs)
	}
	if msgs[0] != "no-shell-eval: sh must not evaluate an inline script (-c)" {
		t.Errorf("Unexpected message: %s", msgs[0])
	}
	if decision.Violations[0].Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", decision.Violations[0].Severity)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "no-latest",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.no_latest

import rego.v1

deny contains msg if {
	input.tool == "docker"
	some arg in input.args
	endswith(arg, ":latest")
	msg := sprintf("image %s is not pinned", [arg])
}

deny contains {"message": "kubectl outside a connection", "severity": "warning", "hint": "open a kubernetes endpoint"} if {
	input.tool == "kubectl"
	input.connection_kind == ""
}
`,
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	decision, err := eng.Evaluate(ctx, Input{Tool: "docker", Args: []string{"push", "r.io/web:latest"}})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected string violation to use the policy severity and deny")
	}
	if decision.Violations[0].Message != "image r.io/web:latest is not pinned" {
		t.Errorf("Unexpected message: %s", decision.Violations[0].Message)
	}

	decision, err = eng.Evaluate(ctx, Input{Tool: "kubectl", Args: []string{"get", "pods"}})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed || len(decision.Warnings) != 1 {
		t.Fatalf("Expected one warning, got %+v", decision)
	}
	if decision.Warnings[0].Details["hint"] != "open a kubernetes endpoint" {
		t.Errorf("Expected hint detail, got %v", decision.Warnings[0].Details)
	}

	decision, err = eng.Evaluate(ctx, Input{Tool: "kubectl", Args: []string{"get", "pods"}, ConnectionKind: "kubernetes"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(decision.Warnings) != 0 {
		t.Errorf("Expected no warnings inside a connection, got %v", decision.Warnings)
	}
}

func TestAddPolicyInvalid(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package broken\n\ndeny contains x if {"}); err == nil {
		t.Error("Expected compile error")
	}
	if err := eng.AddPolicy(ctx, Policy{Rego: "package unnamed"}); err == nil {
		t.Error("Expected error for missing name")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Broken policy should not be registered")
	}
}

func TestSetPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first := Policy{Name: "first", Enabled: true, Rego: "package first\n\nimport rego.v1\n\ndeny contains \"no\" if {\n\tfalse\n}\n"}
	if err := eng.SetPolicies(ctx, []Policy{first}); err != nil {
		t.Fatalf("Failed to set policies: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Fatalf("Expected built-ins plus one, got %d", len(eng.ListPolicies()))
	}

	p, err := eng.GetPolicy("first")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", p.Severity)
	}

	broken := Policy{Name: "second", Rego: "package second\n\ndeny contains"}
	if err := eng.SetPolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("first"); err != nil {
		t.Error("A failed reload must keep the previous policies")
	}

	if err := eng.SetPolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to clear policies: %v", err)
	}
	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("Expected loaded policy to be removed")
	}
	if _, err := eng.GetPolicy(PolicyNoShellEval); err != nil {
		t.Error("Built-in policies must survive a reload")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := Input{Tool: "sh", Args: []string{"-c", "true"}}

	if err := eng.DisablePolicy(PolicyNoShellEval); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	decision, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Expected disabled policy to be skipped")
	}

	p, _ := eng.GetPolicy(PolicyNoShellEval)
	if p.Enabled {
		t.Error("Expected GetPolicy to report the policy disabled")
	}

	if err := eng.SetPolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	decision, _ = eng.Evaluate(ctx, input)
	if !decision.Allowed {
		t.Error("Expected disable to survive a reload")
	}

	if err := eng.EnablePolicy(PolicyNoShellEval); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	decision, _ = eng.Evaluate(ctx, input)
	if decision.Allowed {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestEvaluateCancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Evaluate(ctx, Input{Tool: "ls"}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
