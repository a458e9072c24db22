package policy

// Built-in policy names.
const (
	PolicyNoShellEval              = "no-shell-eval"
	PolicyNoInlineRegistryPassword = "no-inline-registry-password"
	PolicyNoInsecureTLS            = "no-insecure-tls"
	PolicyNoHelmDebugSecrets       = "no-helm-debug-secrets"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		noShellEvalPolicy(),
		noInlineRegistryPasswordPolicy(),
		noInsecureTLSPolicy(),
		noHelmDebugSecretsPolicy(),
	}
}

// toolLib is shared by the built-ins. It yields the lowercased base name
// of input.tool without a Windows executable suffix.
const toolLib = `
tool_name := name if {
	parts := split(replace(input.tool, "\\", "/"), "/")
	base := lower(parts[count(parts) - 1])
	name := trim_suffix(base, ".exe")
}
`

// noShellEvalPolicy blocks shell interpreters running inline scripts.
func noShellEvalPolicy() Policy {
	return Policy{
		Name:        PolicyNoShellEval,
		Description: "Blocks shell interpreters invoked with an inline script (-c, /c, -Command)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"shell", "injection"},
		Rego: `package taskcore.policies.shell

import rego.v1
` + toolLib + `
shells := {"sh", "bash", "zsh", "dash", "ksh", "ash", "fish", "cmd", "pwsh", "powershell"}

eval_flag(arg) if {
	lower(arg) in {"/c", "/k", "-command", "-encodedcommand"}
}

# Short option clusters ending in c: -c, -lc, -xc.
eval_flag(arg) if {
	regex.match("^-[a-zA-Z]*c$", arg)
}

deny contains violation if {
	tool_name in shells
	some arg in input.args
	eval_flag(arg)
	violation := {
		"message": sprintf("%s must not evaluate an inline script (%s)", [tool_name, arg]),
		"severity": "error",
	}
}
`,
	}
}

// noInlineRegistryPasswordPolicy blocks registry passwords on the command line.
func noInlineRegistryPasswordPolicy() Policy {
	return Policy{
		Name:        PolicyNoInlineRegistryPassword,
		Description: "Blocks registry logins that pass the password as an argument instead of --password-stdin",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"credentials", "registry"},
		Rego: `package taskcore.policies.registry

import rego.v1
` + toolLib + `
login_tools := {"docker", "podman", "buildah", "nerdctl", "helm", "oras"}

password_flag(arg) if {
	arg in {"-p", "--password"}
}

password_flag(arg) if {
	startswith(arg, "--password=")
}

password_flag(arg) if {
	startswith(arg, "-p=")
}

deny contains violation if {
	tool_name in login_tools
	"login" in input.args
	some arg in input.args
	password_flag(arg)
	violation := {
		"message": sprintf("%s login must read the password from stdin, not %s", [tool_name, arg]),
		"severity": "error",
	}
}
`,
	}
}

// noInsecureTLSPolicy warns about disabled certificate verification.
func noInsecureTLSPolicy() Policy {
	return Policy{
		Name:        PolicyNoInsecureTLS,
		Description: "Warns when a tool is told to skip TLS certificate verification",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"tls"},
		Rego: `package taskcore.policies.tls

import rego.v1

insecure_flag(arg) if {
	arg in {"--insecure-skip-tls-verify", "--insecure-skip-tls-verify=true", "--insecure", "--tls-verify=false", "--skip-tls-verify"}
}

deny contains violation if {
	some arg in input.args
	insecure_flag(arg)
	violation := {
		"message": sprintf("%s disables TLS verification (%s)", [input.tool, arg]),
		"severity": "warning",
	}
}
`,
	}
}

// noHelmDebugSecretsPolicy warns when helm --debug would echo secret values.
func noHelmDebugSecretsPolicy() Policy {
	return Policy{
		Name:        PolicyNoHelmDebugSecrets,
		Description: "Warns when helm --debug is combined with --set values that look like secrets",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"helm", "credentials"},
		Rego: `package taskcore.policies.helm

import rego.v1
` + toolLib + `
secret_words := ["password", "secret", "token", "apikey", "api_key", "credential"]

set_flags := {"--set", "--set-string", "--set-file"}

set_key(value) := key if {
	parts := split(value, "=")
	key := parts[0]
}

secret_assignment(value) if {
	key := lower(set_key(value))
	some word in secret_words
	contains(key, word)
}

set_value contains value if {
	some i, arg in input.args
	arg in set_flags
	value := input.args[i + 1]
}

set_value contains value if {
	some arg in input.args
	some flag in set_flags
	startswith(arg, concat("", [flag, "="]))
	value := substring(arg, count(flag) + 1, -1)
}

deny contains violation if {
	tool_name == "helm"
	"--debug" in input.args
	some value in set_value
	secret_assignment(value)
	violation := {
		"message": sprintf("helm --debug prints rendered values; %s looks like a secret", [set_key(value)]),
		"severity": "warning",
	}
}
`,
	}
}
