package bids

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gonum/matrix/mat64"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyungWonPark/Connectome/internal/io"
)

const template = `{
  "RelationshipMeasure": "density",
  "MeasureDescription": "Streamline density (count / region volume) between each pair of regions (414 * 414).",
  "Weighted": true,
  "Directed": false,
  "Sources": ["dwi"]
}`

// writeCounter fails nothing but counts every mutating call.
type writeCounter struct {
	afero.Fs
	writes int64
}

func (w *writeCounter) count() { atomic.AddInt64(&w.writes, 1) }

func (w *writeCounter) Create(name string) (afero.File, error) {
	w.count()
	return w.Fs.Create(name)
}

func (w *writeCounter) Mkdir(name string, perm os.FileMode) error {
	w.count()
	return w.Fs.Mkdir(name, perm)
}

func (w *writeCounter) MkdirAll(path string, perm os.FileMode) error {
	w.count()
	return w.Fs.MkdirAll(path, perm)
}

func (w *writeCounter) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		w.count()
	}
	return w.Fs.OpenFile(name, flag, perm)
}

func (w *writeCounter) Remove(name string) error {
	w.count()
	return w.Fs.Remove(name)
}

func (w *writeCounter) RemoveAll(path string) error {
	w.count()
	return w.Fs.RemoveAll(path)
}

func (w *writeCounter) Rename(oldname, newname string) error {
	w.count()
	return w.Fs.Rename(oldname, newname)
}

func (w *writeCounter) Chmod(name string, mode os.FileMode) error {
	w.count()
	return w.Fs.Chmod(name, mode)
}

func (w *writeCounter) Chtimes(name string, atime, mtime time.Time) error {
	w.count()
	return w.Fs.Chtimes(name, atime, mtime)
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// sourceTree lays out two subjects. sub-01 has a nosift and a siftweighted
// connectome in MNI152 plus one in native space, sub-02 a single nosift one.
func sourceTree(t *testing.T, fs afero.Fs) {
	t.Helper()

	files := map[string]string{
		"/data/sub-01/ses-1/dwi/sub-01_ses-1_JulichBrain207_connectome_dwi_MNI152_nosift.csv":       "0,2\n2,0\n",
		"/data/sub-01/ses-1/dwi/sub-01_ses-1_JulichBrain207_connectome_dwi_MNI152_siftweighted.csv": "0,0.5\n0.5,0\n",
		"/data/sub-01/ses-1/dwi/sub-01_ses-1_JulichBrain207_connectome_dwi_T1w_nosift.csv":          "9,9\n9,9\n",
		"/data/sub-01/ses-1/dwi/sub-01_ses-1_Schaefer400_connectome_dwi_MNI152_nosift.csv":          "7,7\n7,7\n",
		"/data/sub-02/ses-2/dwi/sub-02_ses-2_JulichBrain207_connectome_dwi_MNI152_nosift.csv":       "0,4\n4,0\n",
		"/meta/relmat_sidecar.json": template,
	}
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
	}
}

func newConverter(fs afero.Fs, dry bool) *Converter {
	return &Converter{
		Fs:             fs,
		OutDir:         "/bids",
		MetadataFile:   "/meta/relmat_sidecar.json",
		Parcellation:   "JulichBrain207",
		Space:          "MNI152",
		ConnectomeType: "connectome",
		Workers:        4,
		Dry:            dry,
		Log:            quietLogger(),
	}
}

func TestParseSource(t *testing.T) {
	ent, err := ParseSource("sub-01_ses-1_JulichBrain207_connectome_dwi_MNI152_siftweighted.csv")
	require.NoError(t, err)

	want := Entities{
		Subject:        "sub-01",
		Session:        "ses-1",
		ConnectomeType: "connectome",
		Space:          "MNI152",
		RawMeasure:     "siftweighted",
		Measure:        MeasureSift2,
	}
	if diff := cmp.Diff(want, ent); diff != "" {
		t.Errorf("ParseSource() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSourceRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{
		"sub-01_JulichBrain207_connectome.csv",
		"sub-01_session1_JulichBrain207_connectome_dwi_MNI152_nosift.csv",
		"sub-01_ses-1_JulichBrain207_connectome_dwi_MNI152_nosift.tsv",
	} {
		_, err := ParseSource(name)
		assert.ErrorIs(t, err, ErrFilenameSchema, name)
	}
}

func TestNormalizeMeasure(t *testing.T) {
	assert.Equal(t, MeasureDensity, NormalizeMeasure("nosift"))
	assert.Equal(t, MeasureSift2, NormalizeMeasure("siftweighted"))
	assert.Equal(t, "count", NormalizeMeasure("count"))
}

func TestOutputNamesRoundTrip(t *testing.T) {
	name := RelmatName("sub-01", "ses-1", MeasureDensity)
	assert.Equal(t, "sub-01_ses-1_meas-density_relmat.dense.tsv", name)

	ent, err := ParseOutput(name)
	require.NoError(t, err)
	assert.Equal(t, "sub-01", ent.Subject)
	assert.Equal(t, "ses-1", ent.Session)
	assert.Equal(t, MeasureDensity, ent.Measure)

	measure, err := ParseGroup(GroupRelmatName(MeasureSift2))
	require.NoError(t, err)
	assert.Equal(t, MeasureSift2, measure)

	measure, err = ParseGroup("group_meas-density_relmat.dense")
	require.NoError(t, err)
	assert.Equal(t, MeasureDensity, measure)
}

func TestWriteSidecarKeepsTemplate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/meta/relmat_sidecar.json", []byte(template), 0644))
	require.NoError(t, fs.MkdirAll("/out", 0755))

	path, err := WriteSidecar(fs, "/out/x_relmat.dense", "/meta/relmat_sidecar.json", false)
	require.NoError(t, err)
	assert.Equal(t, "/out/x_relmat.dense.json", path)

	got, err := afero.ReadFile(fs, path)
	require.NoError(t, err)

	var compact, want bytes.Buffer
	require.NoError(t, json.Compact(&compact, []byte(template)))
	require.NoError(t, json.Indent(&want, compact.Bytes(), "", "    "))
	assert.Equal(t, want.String(), string(got))
}

func TestWriteSidecarErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := WriteSidecar(fs, "/out/x", "/meta/missing.json", false)
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/meta/bad.json", []byte(`{"RelationshipMeasure": 3}`), 0644))
	_, err = WriteSidecar(fs, "/out/x", "/meta/bad.json", false)
	assert.ErrorIs(t, err, ErrSidecarSchema)

	require.NoError(t, afero.WriteFile(fs, "/meta/list.json", []byte(`["a"]`), 0644))
	_, err = WriteSidecar(fs, "/out/x", "/meta/list.json", false)
	assert.ErrorIs(t, err, ErrSidecarSchema)
}

func TestSidecarSetKeepsOrder(t *testing.T) {
	s, err := ParseSidecar([]byte(`{
		// comments are allowed in templates
		"B": 1,
		"MeasureDescription": "first.",
		"A": 2,
	}`))
	require.NoError(t, err)

	require.NoError(t, s.Set("MeasureDescription", "second."))
	require.NoError(t, s.Set("Extra/Key", "ü"))

	desc, ok := s.String("MeasureDescription")
	require.True(t, ok)
	assert.Equal(t, "second.", desc)

	_, ok = s.String("B")
	assert.False(t, ok)
	_, ok = s.String("Missing")
	assert.False(t, ok)

	got, err := s.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"B\": 1,\n    \"MeasureDescription\": \"second.\",\n    \"A\": 2,\n    \"Extra/Key\": \"ü\"\n}", string(got))
}

func TestSidecarMergesRepeatedKeys(t *testing.T) {
	s, err := ParseSidecar([]byte(`{
		"MeasureDescription": "first.",
		"Weighted": true,
		"Nested": {"x": 1, "y": 2, "x": 3},
		"MeasureDescription": "last."
	}`))
	require.NoError(t, err)

	desc, ok := s.String("MeasureDescription")
	require.True(t, ok)
	assert.Equal(t, "last.", desc)

	got, err := s.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"MeasureDescription\": \"last.\",\n    \"Weighted\": true,\n    \"Nested\": {\n        \"x\": 3,\n        \"y\": 2\n    }\n}", string(got))
}

func TestSidecarRepeatedKeyStillValidated(t *testing.T) {
	_, err := ParseSidecar([]byte(`{"RelationshipMeasure": "density", "RelationshipMeasure": 7}`))
	assert.ErrorIs(t, err, ErrSidecarSchema)
}

func TestConvertSubjectFiltersAndNormalizes(t *testing.T) {
	fs := afero.NewMemMapFs()
	sourceTree(t, fs)

	outputs, err := newConverter(fs, false).ConvertSubject("/data/sub-01")
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, "/bids/sub-01/ses-1/dwi/sub-01_ses-1_meas-density_relmat.dense.tsv", outputs[0].Path)
	assert.Equal(t, "/bids/sub-01/ses-1/dwi/sub-01_ses-1_meas-density_relmat.dense.json", outputs[0].Sidecar)
	assert.Equal(t, "/bids/sub-01/ses-1/dwi/sub-01_ses-1_meas-sift2_relmat.dense.tsv", outputs[1].Path)
	assert.Equal(t, "/bids/sub-01/ses-1/dwi/sub-01_ses-1_meas-sift2_relmat.dense.json", outputs[1].Sidecar)

	for _, out := range outputs {
		ok, err := afero.Exists(fs, out.Path)
		require.NoError(t, err)
		assert.True(t, ok, out.Path)

		ok, err = afero.Exists(fs, out.Sidecar)
		require.NoError(t, err)
		assert.True(t, ok, out.Sidecar)
	}

	// The native space connectome must not leak into the output tree.
	matches, err := afero.Glob(fs, "/bids/sub-01/ses-1/dwi/*.tsv")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	density, err := io.FileToMatrix(fs, outputs[0].Path, io.TSV)
	require.NoError(t, err)
	assert.True(t, mat64.Equal(mat64.NewDense(2, 2, []float64{0, 2, 2, 0}), density))

	data, err := afero.ReadFile(fs, outputs[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "0\t0.5\n0.5\t0\n", string(data))
}

func TestConvertSubjectRejectsBadName(t *testing.T) {
	fs := afero.NewMemMapFs()
	sourceTree(t, fs)
	require.NoError(t, afero.WriteFile(fs, "/data/sub-01/ses-1/dwi/JulichBrain207.csv", []byte("1\n"), 0644))

	_, err := newConverter(fs, false).ConvertSubject("/data/sub-01")
	assert.ErrorIs(t, err, ErrFilenameSchema)
}

func TestConvertSubjectChecksRegions(t *testing.T) {
	fs := afero.NewMemMapFs()
	sourceTree(t, fs)

	c := newConverter(fs, false)
	c.Regions = 414
	_, err := c.ConvertSubject("/data/sub-02")
	assert.ErrorIs(t, err, io.ErrShape)
}

func TestConvertAll(t *testing.T) {
	fs := afero.NewMemMapFs()
	sourceTree(t, fs)

	outputs, err := newConverter(fs, false).ConvertAll("/data")
	require.NoError(t, err)

	var paths []string
	for _, out := range outputs {
		paths = append(paths, filepath.Base(out.Path))
	}
	want := []string{
		"sub-01_ses-1_meas-density_relmat.dense.tsv",
		"sub-01_ses-1_meas-sift2_relmat.dense.tsv",
		"sub-02_ses-2_meas-density_relmat.dense.tsv",
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("ConvertAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertAllKeepsGoingAfterFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	sourceTree(t, fs)
	require.NoError(t, afero.WriteFile(fs, "/data/sub-01/ses-1/dwi/JulichBrain207.csv", []byte("1\n"), 0644))

	outputs, err := newConverter(fs, false).ConvertAll("/data")
	assert.ErrorIs(t, err, ErrFilenameSchema)

	ok, statErr := afero.Exists(fs, "/bids/sub-02/ses-2/dwi/sub-02_ses-2_meas-density_relmat.dense.tsv")
	require.NoError(t, statErr)
	assert.True(t, ok)
	assert.NotEmpty(t, outputs)
}

func TestDryRunWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	sourceTree(t, fs)

	counter := &writeCounter{Fs: fs}
	dry, err := newConverter(counter, true).ConvertAll("/data")
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt64(&counter.writes))

	readOnly, err := newConverter(afero.NewReadOnlyFs(fs), true).ConvertAll("/data")
	require.NoError(t, err)

	wet, err := newConverter(fs, false).ConvertAll("/data")
	require.NoError(t, err)

	if diff := cmp.Diff(wet, dry); diff != "" {
		t.Errorf("dry run decisions differ (-wet +dry):\n%s", diff)
	}
	if diff := cmp.Diff(dry, readOnly); diff != "" {
		t.Errorf("read-only dry run decisions differ (-dry +ro):\n%s", diff)
	}
}
