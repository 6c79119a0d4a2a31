package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Candidates are the config file names looked up in a workspace, in order.
var Candidates = []string{"planq.cue", "planq.yaml", "planq.yml", "planq.json"}

// CUEParser reads workspace configuration files. CUE sources are unified
// with the built-in #Workspace schema; YAML and JSON are decoded strictly.
// Every format is then validated with struct tags and defaulted.
type CUEParser struct {
	ctx       *cue.Context
	schema    cue.Value
	schemaErr error
	validator *validator.Validate
}

// NewCUEParser creates a new parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	schema, err := compileWorkspaceSchema(ctx)
	return &CUEParser{
		ctx:       ctx,
		schema:    schema,
		schemaErr: err,
		validator: validator.New(),
	}
}

// Find returns the first config file present in workspace, or "".
func Find(workspace string) string {
	for _, name := range Candidates {
		p := filepath.Join(workspace, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Load reads the workspace configuration. explicit overrides the lookup;
// without it and without a config file the defaults are returned. The
// second result is the file read, if any.
func (cp *CUEParser) Load(workspace, explicit string) (*Config, string, error) {
	source := explicit
	if source == "" {
		source = Find(workspace)
	}
	if source == "" {
		return Defaults(), "", nil
	}
	cfg, err := cp.ParseFile(source)
	if err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

// ParseFile reads one config file, choosing the format by extension.
func (cp *CUEParser) ParseFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return cp.Parse(content, path)
}

// Parse decodes content. The file name selects the format and is used in
// error locations.
func (cp *CUEParser) Parse(content []byte, filename string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".cue":
		err = cp.decodeCUE(content, filename, &cfg)
	case ".yaml", ".yml":
		err = decodeYAML(content, filename, &cfg)
	case ".json":
		err = decodeJSON(content, filename, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(filename))
	}
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cp.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) (*Config, error) {
	return cp.Parse([]byte(content), "inline.cue")
}

func (cp *CUEParser) decodeCUE(content []byte, filename string, cfg *Config) error {
	if cp.schemaErr != nil {
		return cp.schemaErr
	}
	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cp.convertCUEErrors(err)
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cp.convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return cp.convertCUEErrors(err)
	}
	return decodeJSON(data, filename, cfg)
}

func decodeYAML(content []byte, filename string, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return nil
}

func decodeJSON(content []byte, filename string, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return nil
}

// Validate checks struct-tag constraints and the rules that tags cannot
// express.
func (cp *CUEParser) Validate(cfg *Config) error {
	var out ValidationErrors
	if err := cp.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			})
		}
	}

	if _, err := cfg.DenyPatterns(); err != nil {
		out = append(out, ValidationError{Path: "rules.deliverable_deny_patterns", Message: err.Error()})
	}
	names := make(map[string]bool)
	for i, r := range cfg.Roots {
		if names[r.Name] {
			out = append(out, ValidationError{Path: fmt.Sprintf("roots[%d].name", i), Message: fmt.Sprintf("duplicate root %q", r.Name)})
		}
		names[r.Name] = true
	}
	if r := cfg.Rules.Retry; r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		out = append(out, ValidationError{Path: "rules.retry", Message: "base_delay exceeds max_delay"})
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

// fieldPath turns a validator namespace ("Config.Rules.QualityGate.Mode")
// into a config key path.
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(cueerrors.Details(e, nil))}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// EncodeYAML renders cfg as a YAML config file.
func EncodeYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
