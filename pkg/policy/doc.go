// Package policy gates external tool invocations with Open Policy Agent.
//
// Every command is evaluated before it is spawned against an input
// document of the form
//
//	{
//	  "tool": "docker",
//	  "args": ["login", "-u", "builder", "-p", "***"],
//	  "dir": "/src",
//	  "env_keys": ["DOCKER_CONFIG"],
//	  "connection_kind": "docker-registry"
//	}
//
// Arguments are redacted before evaluation and only environment variable
// names are visible, so policies never see secret values.
//
// # Policies
//
// A policy is a Rego module defining a "deny" set. Members are either
// strings or objects with a "message" and an optional "severity":
//
//	package example.no_latest
//
//	import rego.v1
//
//	deny contains violation if {
//		input.tool == "docker"
//		some arg in input.args
//		endswith(arg, ":latest")
//		violation := {"message": "pin image tags", "severity": "error"}
//	}
//
// Violations with severity error or critical deny the command with a
// PolicyDenied error; warnings are logged and published as events.
//
// Four policies are built in: no-shell-eval, no-inline-registry-password,
// no-insecure-tls and no-helm-debug-secrets. More are loaded from .rego
// files, single-policy JSON files or JSON bundles, and can be reloaded
// when the files change:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	if _, err := eng.Watch(ctx, []string{"/etc/taskcore/policies"}); err != nil {
//		return err
//	}
//	executor := execution.NewLocalExecutor(
//		execution.WithAdmitter(policy.NewAdmitter(eng)),
//	)
//
// A .rego file may set its default severity in a leading comment:
//
//	# Image tags must be pinned.
//	# severity: error
package policy
