// Package config loads taskcore settings.
//
// # Formats
//
// Settings are read from YAML, TOML, CUE or JSON, chosen by file extension.
// Whatever the syntax, the document is turned into a CUE value and unified
// with the closed #Settings definition, so unknown fields, bad durations
// and unknown endpoint kinds are rejected the same way for every format:
//
//	log:
//	  level: info
//	  format: console
//	journal: .taskcore/journal.db
//	policy:
//	  paths: [policies]
//	  disabled: [no-insecure-tls]
//	poll:
//	  max_attempts: 10
//	  delay: 3s
//	  expect: 'status == 200 and "healthy" in body'
//	endpoints:
//	  - name: registry
//	    kind: docker-registry
//	    url: https://registry.example.com
//	    username: ci
//	    password: ${REGISTRY_PASSWORD}
//	variables:
//	  production:
//	    Data.ConnectionString: Server=db;Database=app
//
// # Loading
//
// Load applies defaults, resolves relative paths against the settings file,
// applies the TASKCORE_LOG_LEVEL and TASKCORE_JOURNAL overrides, expands
// ${VAR} references in endpoint credentials, and validates every endpoint.
// Errors from the schema are returned as ValidationErrors with the file and,
// for CUE sources, the line and column.
package config
