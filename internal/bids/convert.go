package bids

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/KyungWonPark/Connectome/internal/io"
)

// Output describes one accepted connectome and where it goes.
type Output struct {
	Source   string
	Path     string
	Sidecar  string
	Entities Entities
}

// Converter copies per-subject connectomes into a BIDS tree.
type Converter struct {
	Fs             afero.Fs
	OutDir         string
	MetadataFile   string
	Parcellation   string
	Space          string
	ConnectomeType string
	// Regions, when positive, is the required matrix size.
	Regions int
	Workers int
	// Dry computes and logs every decision without touching the filesystem.
	Dry bool
	Log logrus.FieldLogger
}

func (c *Converter) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// ConvertSubject converts the connectomes found under one subject directory.
func (c *Converter) ConvertSubject(subjectDir string) ([]Output, error) {
	subject := filepath.Base(subjectDir)
	log := c.logger().WithFields(logrus.Fields{"subject": subject, "dry": c.Dry})

	pattern := filepath.Join(subjectDir, "*", "dwi", "*"+c.Parcellation+"*.csv")
	csvFiles, err := afero.Glob(c.Fs, pattern)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", pattern, err)
	}
	sort.Strings(csvFiles)

	var outputs []Output
	for _, fi := range csvFiles {
		ent, err := ParseSource(filepath.Base(fi))
		if err != nil {
			return outputs, fmt.Errorf("%s: %w", fi, err)
		}

		if ent.Space != c.Space || ent.ConnectomeType != c.ConnectomeType {
			log.WithFields(logrus.Fields{
				"src":   fi,
				"space": ent.Space,
				"type":  ent.ConnectomeType,
			}).Debug("Skipped")
			continue
		}

		outputDir := filepath.Join(c.OutDir, subject, ent.Session, "dwi")
		outputPath := filepath.Join(outputDir, RelmatName(subject, ent.Session, ent.Measure))

		if !c.Dry {
			if err := c.copyMatrix(fi, outputDir, outputPath); err != nil {
				return outputs, err
			}
		}
		log.WithFields(logrus.Fields{
			"session": ent.Session,
			"measure": ent.Measure,
			"src":     fi,
			"dst":     outputPath,
		}).Info("Copied connectome")

		sidecarPath, err := WriteSidecar(c.Fs, strings.TrimSuffix(outputPath, ".tsv"), c.MetadataFile, c.Dry)
		if err != nil {
			return outputs, fmt.Errorf("sidecar for %s: %w", outputPath, err)
		}
		log.WithField("dst", sidecarPath).Info("Created JSON sidecar")

		outputs = append(outputs, Output{
			Source:   fi,
			Path:     outputPath,
			Sidecar:  sidecarPath,
			Entities: ent,
		})
	}

	return outputs, nil
}

func (c *Converter) copyMatrix(src, outputDir, outputPath string) error {
	if err := c.Fs.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", outputDir, err)
	}

	matrix, err := io.FileToMatrix(c.Fs, src, io.CSV)
	if err != nil {
		return err
	}

	rows, cols := matrix.Dims()
	if c.Regions > 0 && (rows != c.Regions || cols != c.Regions) {
		return fmt.Errorf("%s is %d by %d, want %d by %d: %w", src, rows, cols, c.Regions, c.Regions, io.ErrShape)
	}

	return io.MatrixToFile(c.Fs, outputPath, matrix, io.TSV)
}

// SubjectDirs lists the sub-* directories of rootDir in lexical order.
func SubjectDirs(fs afero.Fs, rootDir string) ([]string, error) {
	matches, err := afero.Glob(fs, filepath.Join(rootDir, "sub-*"))
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, m := range matches {
		if ok, err := afero.IsDir(fs, m); err == nil && ok {
			dirs = append(dirs, m)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ConvertAll converts every subject under rootDir on a pool of Workers goroutines.
// Each subject writes only its own subtree. A failing subject does not stop
// the others; all failures are returned joined.
func (c *Converter) ConvertAll(rootDir string) ([]Output, error) {
	subDirs, err := SubjectDirs(c.Fs, rootDir)
	if err != nil {
		return nil, fmt.Errorf("listing subjects in %s: %w", rootDir, err)
	}
	c.logger().WithFields(logrus.Fields{"root": rootDir, "count": len(subDirs)}).Info("Found subjects")

	workers := c.Workers
	if workers < 1 {
		workers = 1
	}

	results := make([][]Output, len(subDirs))
	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for i, dir := range subDirs {
		i, dir := i, dir
		p.Go(func() error {
			out, err := c.ConvertSubject(dir)
			results[i] = out
			if err != nil {
				return fmt.Errorf("subject %s: %w", filepath.Base(dir), err)
			}
			return nil
		})
	}
	err = p.Wait()

	var outputs []Output
	for _, r := range results {
		outputs = append(outputs, r...)
	}
	return outputs, err
}
