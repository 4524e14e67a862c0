package bids

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrFilenameSchema is returned when a file name does not follow the expected layout.
var ErrFilenameSchema = errors.New("bids: file name does not match schema")

// Measure labels used in BIDS output names.
const (
	MeasureDensity = "density"
	MeasureSift2   = "sift2"
)

var (
	// <subject>_<session>_<parcellation>_<type>_<x>_<space>_<measure>.csv
	sourceSchema = regexp.MustCompile(`^(?P<subject>[^_]+)_(?P<session>ses-[^_]+)_[^_]+_(?P<ctype>[^_]+)_[^_]+_(?P<space>[^_]+)_(?P<measure>[^_.]+)\.csv$`)
	outputSchema = regexp.MustCompile(`^(?P<subject>[^_]+)_(?P<session>ses-[^_]+)_meas-(?P<measure>[^_]+)_relmat\.dense\.tsv$`)
	groupSchema  = regexp.MustCompile(`^group_meas-(?P<measure>[^_]+)_relmat\.dense(?:\.tsv|\.json)?$`)
)

var measureSynonyms = map[string]string{
	"nosift":       MeasureDensity,
	"siftweighted": MeasureSift2,
}

// Entities are the identifying attributes encoded in a connectome file name.
type Entities struct {
	Subject        string
	Session        string
	ConnectomeType string
	Space          string
	// RawMeasure is the label as found in the file name, Measure its normalized form.
	RawMeasure string
	Measure    string
}

// NormalizeMeasure maps raw measurement labels onto their BIDS names.
// Unknown labels are returned unchanged.
func NormalizeMeasure(raw string) string {
	if m, ok := measureSynonyms[raw]; ok {
		return m
	}
	return raw
}

func match(schema *regexp.Regexp, name string) (map[string]string, error) {
	m := schema.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrFilenameSchema)
	}

	groups := make(map[string]string)
	for i, n := range schema.SubexpNames() {
		if n != "" {
			groups[n] = m[i]
		}
	}
	return groups, nil
}

// ParseSource decodes the base name of a diffusion pipeline connectome file.
func ParseSource(name string) (Entities, error) {
	g, err := match(sourceSchema, name)
	if err != nil {
		return Entities{}, err
	}

	return Entities{
		Subject:        g["subject"],
		Session:        g["session"],
		ConnectomeType: g["ctype"],
		Space:          g["space"],
		RawMeasure:     g["measure"],
		Measure:        NormalizeMeasure(g["measure"]),
	}, nil
}

// ParseOutput decodes the base name of a per-session BIDS relmat file.
func ParseOutput(name string) (Entities, error) {
	g, err := match(outputSchema, name)
	if err != nil {
		return Entities{}, err
	}

	return Entities{
		Subject:    g["subject"],
		Session:    g["session"],
		RawMeasure: g["measure"],
		Measure:    g["measure"],
	}, nil
}

// ParseGroup returns the measure label of a group-level relmat name,
// with or without its extension.
func ParseGroup(name string) (string, error) {
	g, err := match(groupSchema, name)
	if err != nil {
		return "", err
	}
	return g["measure"], nil
}

// RelmatName is the BIDS file name of one subject/session connectome.
func RelmatName(subject, session, measure string) string {
	return fmt.Sprintf("%s_%s_meas-%s_relmat.dense.tsv", subject, session, measure)
}

// GroupRelmatName is the BIDS file name of a group-level connectome.
func GroupRelmatName(measure string) string {
	return fmt.Sprintf("group_meas-%s_relmat.dense.tsv", measure)
}
