package atlas

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"
)

// BundleFile is the descriptor every local atlas bundle carries.
const BundleFile = "atlas.json"

//go:embed schema/atlas.schema.json
var bundleSchemaBytes []byte

var (
	bundleSchema     *jsonschema.Schema
	bundleSchemaOnce sync.Once
	bundleSchemaErr  error
)

func getBundleSchema() (*jsonschema.Schema, error) {
	bundleSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(bundleSchemaBytes))
		if err != nil {
			bundleSchemaErr = fmt.Errorf("unmarshaling atlas schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("atlas.schema.json", doc); err != nil {
			bundleSchemaErr = fmt.Errorf("adding atlas schema: %w", err)
			return
		}
		bundleSchema, bundleSchemaErr = c.Compile("atlas.schema.json")
	})
	return bundleSchema, bundleSchemaErr
}

type bundle struct {
	Name         string   `json:"name"`
	Parcellation string   `json:"parcellation"`
	MapType      string   `json:"maptype"`
	Authors      []string `json:"authors"`
	License      string   `json:"license"`
	URLs         []string `json:"urls"`
	Species      string   `json:"species"`
	Space        string   `json:"space"`
	Volume       string   `json:"volume"`
	Regions      []string `json:"regions"`
}

// LocalProvider serves a parcellation from a directory holding atlas.json
// and the label volume it names.
type LocalProvider struct {
	Fs  afero.Fs
	Dir string
}

// NewLocalProvider returns a provider reading bundle dir from the OS filesystem.
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{Fs: afero.NewOsFs(), Dir: dir}
}

func (p *LocalProvider) descriptor() (*bundle, error) {
	path := filepath.Join(p.Dir, BundleFile)
	data, err := afero.ReadFile(p.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading atlas descriptor: %w", err)
	}

	schema, err := getBundleSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrDescriptor)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrDescriptor)
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrDescriptor)
	}
	return &b, nil
}

// matches compares a requested selector against the bundle's, ignoring case.
// An empty bundle selector matches anything.
func matches(have, want string) bool {
	return have == "" || want == "" || strings.EqualFold(have, want)
}

// Fetch loads the bundle if it serves the requested space, parcellation and map type.
func (p *LocalProvider) Fetch(space, parcellation, maptype string) (*Parcellation, error) {
	b, err := p.descriptor()
	if err != nil {
		return nil, err
	}

	if !matches(b.Space, space) || !matches(b.Parcellation, parcellation) || !matches(b.MapType, maptype) {
		return nil, fmt.Errorf("bundle %s serves %s/%s/%s, not %s/%s/%s: %w",
			p.Dir, b.Space, b.Parcellation, b.MapType, space, parcellation, maptype, ErrDescriptor)
	}

	volumePath := b.Volume
	if !filepath.IsAbs(volumePath) {
		volumePath = filepath.Join(p.Dir, volumePath)
	}
	vol, err := ReadVolume(volumePath)
	if err != nil {
		return nil, err
	}

	return &Parcellation{
		Name:    b.Name,
		Authors: b.Authors,
		License: b.License,
		URLs:    b.URLs,
		Species: b.Species,
		Space:   b.Space,
		Regions: b.Regions,
		Volume:  vol,
	}, nil
}
