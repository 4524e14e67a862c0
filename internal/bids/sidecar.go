package bids

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"
	"github.com/tailscale/hujson"
)

// ErrSidecarSchema is returned when a sidecar template fails validation.
var ErrSidecarSchema = errors.New("bids: sidecar does not match schema")

//go:embed schema/relmat_sidecar.schema.json
var sidecarSchemaBytes []byte

var (
	sidecarSchema     *jsonschema.Schema
	sidecarSchemaOnce sync.Once
	sidecarSchemaErr  error
)

func getSidecarSchema() (*jsonschema.Schema, error) {
	sidecarSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(sidecarSchemaBytes))
		if err != nil {
			sidecarSchemaErr = fmt.Errorf("unmarshaling sidecar schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("relmat_sidecar.schema.json", doc); err != nil {
			sidecarSchemaErr = fmt.Errorf("adding sidecar schema: %w", err)
			return
		}
		sidecarSchema, sidecarSchemaErr = c.Compile("relmat_sidecar.schema.json")
	})
	return sidecarSchema, sidecarSchemaErr
}

// Sidecar is a JSON metadata document whose member order is kept as loaded.
type Sidecar struct {
	value hujson.Value
}

// dedupe merges repeated object members at every depth. A repeated name
// keeps the position of its first occurrence and the value of its last.
func dedupe(v *hujson.Value) {
	switch c := v.Value.(type) {
	case *hujson.Object:
		seen := make(map[string]int, len(c.Members))
		members := c.Members[:0]
		for _, m := range c.Members {
			dedupe(&m.Value)
			name := m.Name.Value.(hujson.Literal).String()
			if i, ok := seen[name]; ok {
				members[i].Value = m.Value
				continue
			}
			seen[name] = len(members)
			members = append(members, m)
		}
		// A non-nil AfterExtra on the last value emits a trailing comma.
		if n := len(members); n > 0 && n < len(c.Members) {
			members[n-1].Value.AfterExtra = nil
		}
		c.Members = members
	case *hujson.Array:
		for i := range c.Elements {
			dedupe(&c.Elements[i])
		}
	}
}

// ParseSidecar parses a sidecar template. Comments and trailing commas are
// accepted and dropped, repeated keys are merged.
func ParseSidecar(data []byte) (*Sidecar, error) {
	v, err := hujson.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing sidecar: %w", err)
	}
	v.Standardize()
	dedupe(&v)

	s := &Sidecar{value: v}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSidecar reads and parses a sidecar template file.
func LoadSidecar(fs afero.Fs, path string) (*Sidecar, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading sidecar template: %w", err)
	}

	s, err := ParseSidecar(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks the document against the relmat sidecar schema.
func (s *Sidecar) Validate() error {
	schema, err := getSidecarSchema()
	if err != nil {
		return err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(s.value.Pack()))
	if err != nil {
		return fmt.Errorf("decoding sidecar: %w", err)
	}

	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrSidecarSchema, err)
	}
	return nil
}

func pointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	key = strings.ReplaceAll(key, "/", "~1")
	return "/" + key
}

// String returns the string member key.
func (s *Sidecar) String(key string) (string, bool) {
	v := s.value.Find(pointer(key))
	if v == nil {
		return "", false
	}

	lit, ok := v.Value.(hujson.Literal)
	if !ok || lit.Kind() != '"' {
		return "", false
	}
	return lit.String(), true
}

// Set assigns member key. Existing members keep their position, new ones
// are appended.
func (s *Sidecar) Set(key string, value interface{}) error {
	patch, err := json.Marshal([]map[string]interface{}{{
		"op":    "add",
		"path":  pointer(key),
		"value": value,
	}})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := s.value.Patch(patch); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Bytes serializes the sidecar with four-space indentation.
func (s *Sidecar) Bytes() ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, s.value.Pack()); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "    "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Save writes the sidecar to <basePath>.json and returns that path.
func (s *Sidecar) Save(fs afero.Fs, basePath string) (string, error) {
	data, err := s.Bytes()
	if err != nil {
		return "", err
	}

	jsonPath := basePath + ".json"
	if err := afero.WriteFile(fs, jsonPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}
	return jsonPath, nil
}

// WriteSidecar copies the template at templatePath to <basePath>.json.
// With dry set nothing is read or written.
func WriteSidecar(fs afero.Fs, basePath, templatePath string, dry bool) (string, error) {
	jsonPath := basePath + ".json"
	if dry {
		return jsonPath, nil
	}

	s, err := LoadSidecar(fs, templatePath)
	if err != nil {
		return "", err
	}
	return s.Save(fs, basePath)
}
