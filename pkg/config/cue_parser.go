package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a settings file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported settings file type: %s", path)
	}
}

// Parser decodes settings. Every format is turned into a CUE value and
// checked against #Settings before it is decoded, so YAML, TOML and CUE
// files obey the same rules.
type Parser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewParser creates a parser with the built-in schemas.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &Parser{ctx: ctx, schemas: schemas}, nil
}

// Schemas returns the parser's schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Parse decodes data read from name. The result has no defaults applied.
func (p *Parser) Parse(name string, data []byte, format Format) (*Settings, error) {
	val, err := p.value(name, data, format)
	if err != nil {
		return nil, err
	}

	unified, err := p.schemas.Check("settings", "Settings", val)
	if err != nil {
		return nil, p.convertCUEErrors(name, err)
	}

	var s Settings
	if err := unified.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings %s: %w", name, err)
	}
	s.Source = name
	return &s, nil
}

// value turns data into a CUE value.
func (p *Parser) value(name string, data []byte, format Format) (cue.Value, error) {
	var raw interface{}

	switch format {
	case FormatCUE, FormatJSON:
		val := p.ctx.CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return cue.Value{}, p.convertCUEErrors(name, err)
		}
		return val, nil

	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cue.Value{}, ValidationErrors{{File: name, Message: err.Error()}}
		}

	case FormatTOML:
		doc := map[string]interface{}{}
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return cue.Value{}, p.tomlError(name, err)
		}
		raw = doc

	default:
		return cue.Value{}, fmt.Errorf("unsupported settings format %q", format)
	}

	// An empty document is an empty settings struct.
	if raw == nil {
		raw = map[string]interface{}{}
	}

	val := p.ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return cue.Value{}, p.convertCUEErrors(name, err)
	}
	return val, nil
}

func (p *Parser) tomlError(name string, err error) error {
	if perr, ok := err.(toml.ParseError); ok {
		return ValidationErrors{{
			File:    name,
			Line:    perr.Position.Line,
			Message: perr.Message,
		}}
	}
	return ValidationErrors{{File: name, Message: err.Error()}}
}

// convertCUEErrors converts CUE errors to ValidationErrors. Locations are
// only known for CUE sources; other formats report the file name.
func (p *Parser) convertCUEErrors(name string, err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{File: name}

		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() == name {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}

		ve.Path = strings.Join(e.Path(), ".")

		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)

		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = ValidationErrors{{File: name, Message: err.Error()}}
	}
	return validationErrors
}
