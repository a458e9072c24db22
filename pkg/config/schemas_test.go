package config

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
)

func TestSchemaRegistry_Builtin(t *testing.T) {
	ctx := cuecontext.New()
	sr, err := NewSchemaRegistry(ctx)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	if names := sr.ListSchemas(); len(names) != 1 || names[0] != "settings" {
		t.Errorf("unexpected schemas: %v", names)
	}

	for _, def := range []string{"Settings", "Endpoint", "Poll", "Duration"} {
		if _, err := sr.Definition("settings", def); err != nil {
			t.Errorf("expected definition #%s: %v", def, err)
		}
	}

	if _, err := sr.Definition("settings", "Missing"); err == nil {
		t.Error("expected error for unknown definition")
	}
	if _, err := sr.Definition("missing", "Settings"); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestSchemaRegistry_Check(t *testing.T) {
	ctx := cuecontext.New()
	sr, err := NewSchemaRegistry(ctx)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	tests := []struct {
		name    string
		def     string
		data    interface{}
		wantErr bool
	}{
		{
			name: "valid endpoint",
			def:  "Endpoint",
			data: map[string]interface{}{"name": "cluster", "kind": "kubernetes", "url": "https://k8s:6443", "token": "t"},
		},
		{
			name:    "endpoint missing kind",
			def:     "Endpoint",
			data:    map[string]interface{}{"name": "cluster"},
			wantErr: true,
		},
		{
			name:    "endpoint name with spaces",
			def:     "Endpoint",
			data:    map[string]interface{}{"name": "my cluster", "kind": "generic"},
			wantErr: true,
		},
		{
			name: "valid durations",
			def:  "Poll",
			data: map[string]interface{}{"delay": "1m30s", "max_delay": "250ms", "timeout": "1.5h"},
		},
		{
			name:    "duration without unit",
			def:     "Poll",
			data:    map[string]interface{}{"delay": "30"},
			wantErr: true,
		},
		{
			name:    "multiplier below one",
			def:     "Poll",
			data:    map[string]interface{}{"multiplier": 0.5},
			wantErr: true,
		},
		{
			name: "variables of scalars",
			def:  "Settings",
			data: map[string]interface{}{"variables": map[string]interface{}{
				"prod": map[string]interface{}{"Name": "web", "Replicas": 3, "Debug": false},
			}},
		},
		{
			name: "nested variables",
			def:  "Settings",
			data: map[string]interface{}{"variables": map[string]interface{}{
				"prod": map[string]interface{}{"Nested": map[string]interface{}{"a": "b"}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sr.Check("settings", tt.def, ctx.Encode(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	ctx := cuecontext.New()
	sr, err := NewSchemaRegistry(ctx)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	err = sr.RegisterSchema("release", `
#Release: {
	version: =~"^v[0-9]+\\.[0-9]+\\.[0-9]+$"
	endpoints: [...string]
}
`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	if _, err := sr.Check("release", "Release", ctx.Encode(map[string]interface{}{
		"version":   "v1.2.3",
		"endpoints": []string{"registry"},
	})); err != nil {
		t.Errorf("expected valid release, got %v", err)
	}

	if _, err := sr.Check("release", "Release", ctx.Encode(map[string]interface{}{
		"version":   "1.2",
		"endpoints": []string{},
	})); err == nil {
		t.Error("expected invalid version to fail")
	}

	if err := sr.RegisterSchema("broken", `#Broken: {`); err == nil {
		t.Error("expected compile error for broken schema")
	}
}
