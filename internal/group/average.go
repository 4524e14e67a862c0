package group

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gonum/matrix/mat64"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/KyungWonPark/Connectome/internal/bids"
	"github.com/KyungWonPark/Connectome/internal/calc"
	"github.com/KyungWonPark/Connectome/internal/io"
)

var (
	// ErrPrecondition is returned when the per-session outputs are missing or incomplete.
	ErrPrecondition = errors.New("group: per-session connectomes missing")
	// ErrShapeMismatch is returned when the matrices to average differ in shape.
	ErrShapeMismatch = errors.New("group: matrices differ in shape")
)

const (
	averagedSuffix = ", additionally, averaged across subjects."
	symTolerance   = 1e-9
)

// Result describes one group-level connectome.
type Result struct {
	Measure   string
	Inputs    []string
	Path      string
	Npy       string
	Sidecar   string
	Rows      int
	Cols      int
	Symmetric bool
}

// Averager builds group-level mean connectomes from a BIDS output tree.
type Averager struct {
	Fs           afero.Fs
	OutDir       string
	MetadataFile string
	Measures     []string
	// ExpectedMatrices, when positive, is the number of inputs required per measure.
	ExpectedMatrices int
	Regions          int
	// Workers is the number of row workers of the averaging pipeline.
	Workers  int
	WriteNpy bool
	Dry      bool
	Log      logrus.FieldLogger
}

func (a *Averager) logger() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

// GroupDir is where group-level outputs are written.
func (a *Averager) GroupDir() string {
	return filepath.Join(a.OutDir, "group", "dwi")
}

func inSession(rel string) bool {
	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if strings.HasPrefix(part, "ses-") {
			return true
		}
	}
	return false
}

// Collect lists the per-session connectomes of one measure, sorted.
func (a *Averager) Collect(measure string) ([]string, error) {
	var found []string
	err := afero.Walk(a.Fs, a.OutDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(a.OutDir, path)
		if err != nil || !inSession(rel) {
			return nil
		}

		ent, err := bids.ParseOutput(info.Name())
		if err != nil || ent.Measure != measure {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", a.OutDir, err)
	}

	sort.Strings(found)
	return found, nil
}

func (a *Averager) load(paths []string) ([]*mat64.Dense, error) {
	log := a.logger()

	matrices := make([]*mat64.Dense, 0, len(paths))
	var rows, cols int
	for i, path := range paths {
		m, err := io.FileToMatrix(a.Fs, path, io.TSV)
		if err != nil {
			return nil, err
		}

		r, c := m.Dims()
		log.WithFields(logrus.Fields{"src": path, "rows": r, "cols": c}).Debug("Loaded connectome")
		if i == 0 {
			rows, cols = r, c
		} else if r != rows || c != cols {
			return nil, fmt.Errorf("%s is %d by %d, first input is %d by %d: %w", path, r, c, rows, cols, ErrShapeMismatch)
		}
		if a.Regions > 0 && (r != a.Regions || c != a.Regions) {
			return nil, fmt.Errorf("%s is %d by %d, want %d by %d: %w", path, r, c, a.Regions, a.Regions, io.ErrShape)
		}
		matrices = append(matrices, m)
	}
	return matrices, nil
}

// Average computes and writes the group mean of one measure.
func (a *Averager) Average(measure string) (*Result, error) {
	log := a.logger().WithFields(logrus.Fields{"measure": measure, "dry": a.Dry})

	inputs, err := a.Collect(measure)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no %s connectomes under %s: %w", measure, a.OutDir, ErrPrecondition)
	}
	if a.ExpectedMatrices > 0 && len(inputs) != a.ExpectedMatrices {
		return nil, fmt.Errorf("found %d %s connectomes under %s, want %d: %w",
			len(inputs), measure, a.OutDir, a.ExpectedMatrices, ErrPrecondition)
	}
	log.WithField("count", len(inputs)).Info("Found connectomes")

	groupDir := a.GroupDir()
	outputPath := filepath.Join(groupDir, bids.GroupRelmatName(measure))
	basePath := strings.TrimSuffix(outputPath, ".tsv")
	res := &Result{
		Measure: measure,
		Inputs:  inputs,
		Path:    outputPath,
		Sidecar: basePath + ".json",
	}
	if a.WriteNpy {
		res.Npy = basePath + ".npy"
	}

	if a.Dry {
		log.WithFields(logrus.Fields{"dst": outputPath, "sidecar": res.Sidecar}).Info("Would write group connectome")
		return res, nil
	}

	matrices, err := a.load(inputs)
	if err != nil {
		return nil, err
	}

	pipe := calc.Init(a.Workers)
	mean, err := pipe.Mean(matrices)
	if err != nil {
		return nil, fmt.Errorf("averaging %s: %w", measure, err)
	}
	res.Rows, res.Cols = mean.Dims()
	log.WithFields(logrus.Fields{"rows": res.Rows, "cols": res.Cols}).Info("Computed group mean")

	res.Symmetric = pipe.SymCheck(mean, symTolerance)
	if !res.Symmetric {
		log.Warn("Group mean is not symmetric")
	}

	if err := a.Fs.MkdirAll(groupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", groupDir, err)
	}
	if err := io.MatrixToFile(a.Fs, outputPath, mean, io.TSV); err != nil {
		return nil, err
	}
	log.WithField("dst", outputPath).Info("Wrote group connectome")

	if a.WriteNpy {
		if err := io.MatrixToNpy(a.Fs, res.Npy, mean); err != nil {
			return nil, err
		}
		log.WithField("dst", res.Npy).Info("Wrote group connectome")
	}

	if err := a.writeSidecar(log, basePath, res.Rows, res.Cols); err != nil {
		return nil, err
	}
	log.WithField("dst", res.Sidecar).Info("Created JSON sidecar")

	return res, nil
}

func (a *Averager) writeSidecar(log logrus.FieldLogger, basePath string, rows, cols int) error {
	s, err := bids.LoadSidecar(a.Fs, a.MetadataFile)
	if err != nil {
		return err
	}

	measure, err := bids.ParseGroup(filepath.Base(basePath))
	if err != nil {
		return err
	}
	if err := Describe(s, measure, rows, cols); err != nil {
		return err
	}
	if _, ok := s.String("MeasureDescription"); !ok {
		log.Warn("Sidecar template has no MeasureDescription")
	}

	if _, err := s.Save(a.Fs, basePath); err != nil {
		return err
	}
	return nil
}

// Describe rewrites the measure fields of a sidecar for a group mean of
// rows by cols matrices. Density sidecars get a fresh measure and
// description. Every description then ends in ", additionally, averaged
// across subjects.": only a trailing period is replaced, periods inside the
// text are kept, and a description without one still gets the suffix.
func Describe(s *bids.Sidecar, measure string, rows, cols int) error {
	if measure == bids.MeasureDensity {
		if err := s.Set("RelationshipMeasure", bids.MeasureDensity); err != nil {
			return err
		}
		desc := fmt.Sprintf("Streamline density (count / region volume) between each pair of regions (%d * %d).", rows, cols)
		if err := s.Set("MeasureDescription", desc); err != nil {
			return err
		}
	}

	desc, ok := s.String("MeasureDescription")
	if !ok {
		return nil
	}
	return s.Set("MeasureDescription", strings.TrimSuffix(desc, ".")+averagedSuffix)
}

// Run averages every configured measure. It stops at the first failure.
func (a *Averager) Run() ([]Result, error) {
	var results []Result
	for _, measure := range a.Measures {
		res, err := a.Average(measure)
		if err != nil {
			return results, fmt.Errorf("%s: %w", measure, err)
		}
		results = append(results, *res)
	}
	return results, nil
}
