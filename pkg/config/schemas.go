package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry holds the CUE definitions settings are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in definitions
// (#Settings, #Endpoint, #Poll, #Duration) compiled in ctx.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("settings", builtinSettingsSchema); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles a CUE source holding one or more definitions.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	sr.schemas[name] = val
	sr.mu.Unlock()
	return nil
}

// Definition returns the definition #def from the named schema.
func (sr *SchemaRegistry) Definition(schema, def string) (cue.Value, error) {
	sr.mu.RLock()
	val, ok := sr.schemas[schema]
	sr.mu.RUnlock()
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schema)
	}

	d := val.LookupPath(cue.ParsePath("#" + def))
	if !d.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no definition #%s", schema, def)
	}
	return d, nil
}

// Check unifies data with #def from the named schema and requires the
// result to be concrete. It returns the unified value.
func (sr *SchemaRegistry) Check(schema, def string, data cue.Value) (cue.Value, error) {
	d, err := sr.Definition(schema, def)
	if err != nil {
		return cue.Value{}, err
	}

	unified := d.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns the registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSettingsSchema = `
// Go duration syntax, e.g. "5s" or "1m30s".
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Endpoint: {
	name: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
	kind: "docker-registry" | "kubernetes" | "helm" | "ssh" | "generic"
	url?: string

	username?:   string
	password?:   string
	token?:      string
	kubeconfig?: string
	private_key?: string
	passphrase?: string

	namespace?:   string
	insecure?:    bool
	known_hosts?: string
}

#Poll: {
	max_attempts?: int & >=1
	delay?:        #Duration
	backoff?:      "constant" | "exponential"
	multiplier?:   number & >=1
	max_delay?:    #Duration
	timeout?:      #Duration
	expect?:       string
}

#Settings: {
	log?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		format?: "console" | "json"
	}
	journal?:     string
	staging_dir?: string
	policy?: {
		paths?: [...string]
		disabled?: [...string]
		watch?: bool
	}
	poll?: #Poll
	endpoints?: [...#Endpoint]
	variables?: [string]: [string]: string | number | bool
}
`
