package atlas

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrDescriptor is returned when an atlas description is missing or invalid.
var ErrDescriptor = errors.New("atlas: invalid descriptor")

// Defaults for the JulichBrain labelled map in MNI152 space.
const (
	DefaultSpace        = "mni152"
	DefaultParcellation = "julich 3"
	DefaultMapType      = "labelled"
	DefaultAtlas        = "JulichBrain207"
	DefaultBIDSSpace    = "MNI152NLin2009cAsym"

	BIDSVersion      = "1.1.0"
	SpatialReference = "http://www.bic.mni.mcgill.ca/~vfonov/icbm/2009/mni_icbm152_nlin_asym_09c_nifti.zip/mni_icbm152_t1_tal_nlin_asym_09c.nii"
	Resolution       = "Matched with original template resolution (1x1x1 mm^3)"
)

// Parcellation is a labelled brain map as served by a Provider.
type Parcellation struct {
	Name    string
	Authors []string
	License string
	URLs    []string
	Species string
	Space   string
	// Regions are listed in label order; region i carries label i+1.
	Regions []string
	Volume  *Volume
}

// Provider fetches parcellation maps.
type Provider interface {
	Fetch(space, parcellation, maptype string) (*Parcellation, error)
}

// Descriptor is the JSON sidecar of an exported atlas. Field order is the
// key order on disk.
type Descriptor struct {
	Name               string   `json:"Name"`
	Authors            []string `json:"Authors"`
	BIDSVersion        string   `json:"BIDSVersion"`
	SpatialReference   string   `json:"SpatialReference"`
	Space              string   `json:"Space"`
	Resolution         string   `json:"Resolution"`
	Dimensions         int      `json:"Dimensions"`
	License            string   `json:"License"`
	ReferencesAndLinks []string `json:"ReferencesAndLinks"`
	Species            string   `json:"Species"`
}

// Label is one row of the label table.
type Label struct {
	Index int
	Label string
}

// Result lists what Export wrote.
type Result struct {
	Maps       string
	Descriptor string
	Table      string
	Labels     []Label
}

// Exporter writes a parcellation as a BIDS atlas bundle.
type Exporter struct {
	// Fs receives the descriptor and label table. The volume is always
	// written to the OS filesystem.
	Fs           afero.Fs
	Space        string
	Parcellation string
	MapType      string
	Atlas        string
	BIDSSpace    string
	Log          logrus.FieldLogger
}

// NewExporter returns an exporter for the JulichBrain207 map on the OS filesystem.
func NewExporter(log logrus.FieldLogger) *Exporter {
	return &Exporter{
		Fs:           afero.NewOsFs(),
		Space:        DefaultSpace,
		Parcellation: DefaultParcellation,
		MapType:      DefaultMapType,
		Atlas:        DefaultAtlas,
		BIDSSpace:    DefaultBIDSSpace,
		Log:          log,
	}
}

// BaseName is the extensionless file name of the exported bundle.
func (e *Exporter) BaseName() string {
	return fmt.Sprintf("atlas-%s_space-%s_dseg", e.Atlas, e.BIDSSpace)
}

func (e *Exporter) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

// Labels numbers the regions of p from 1.
func Labels(p *Parcellation) []Label {
	labels := make([]Label, len(p.Regions))
	for i, r := range p.Regions {
		labels[i] = Label{Index: i + 1, Label: r}
	}
	return labels
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Describe builds the descriptor of p.
func Describe(p *Parcellation) Descriptor {
	return Descriptor{
		Name:               p.Name,
		Authors:            orEmpty(p.Authors),
		BIDSVersion:        BIDSVersion,
		SpatialReference:   SpatialReference,
		Space:              p.Space,
		Resolution:         Resolution,
		Dimensions:         len(p.Volume.Dims),
		License:            p.License,
		ReferencesAndLinks: orEmpty(p.URLs),
		Species:            p.Species,
	}
}

// Export fetches the parcellation from provider and writes the volume,
// descriptor and label table into outDir.
func (e *Exporter) Export(provider Provider, outDir string) (*Result, error) {
	log := e.logger().WithFields(logrus.Fields{"space": e.Space, "parcellation": e.Parcellation})

	p, err := provider.Fetch(e.Space, e.Parcellation, e.MapType)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", e.Parcellation, err)
	}
	if p.Volume == nil {
		return nil, fmt.Errorf("%s has no volume: %w", e.Parcellation, ErrDescriptor)
	}
	log.WithField("count", len(p.Regions)).Info("Fetched parcellation")

	if err := e.Fs.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", outDir, err)
	}

	base := filepath.Join(outDir, e.BaseName())
	res := &Result{
		Maps:       base + ".nii.gz",
		Descriptor: base + ".json",
		Table:      base + ".tsv",
		Labels:     Labels(p),
	}

	if err := WriteVolume(res.Maps, p.Volume); err != nil {
		return nil, err
	}
	log.WithField("dst", res.Maps).Info("Wrote label volume")

	desc, err := json.MarshalIndent(Describe(p), "", "    ")
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(e.Fs, res.Descriptor, desc, 0644); err != nil {
		return nil, fmt.Errorf("writing descriptor: %w", err)
	}
	log.WithField("dst", res.Descriptor).Info("Wrote descriptor")

	if err := e.writeTable(res.Table, res.Labels); err != nil {
		return nil, err
	}
	log.WithField("dst", res.Table).Info("Wrote label table")

	return res, nil
}

func (e *Exporter) writeTable(path string, labels []Label) error {
	f, err := e.Fs.Create(path)
	if err != nil {
		return fmt.Errorf("writing label table: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write([]string{"index", "label"}); err != nil {
		return err
	}
	for _, l := range labels {
		if err := w.Write([]string{strconv.Itoa(l.Index), l.Label}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing label table: %w", err)
	}
	return f.Close()
}
