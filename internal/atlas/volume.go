package atlas

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/KyungWonPark/nifti"
)

// ErrVolume is returned for label volumes that cannot be stored or were read incomplete.
var ErrVolume = errors.New("atlas: invalid label volume")

// NIfTI-1 datatype codes.
const (
	dtUint8   int16 = 2
	dtInt16   int16 = 4
	dtInt32   int16 = 8
	dtFloat32 int16 = 16
	dtFloat64 int16 = 64
	dtInt8    int16 = 256
	dtUint16  int16 = 512
	dtUint32  int16 = 768
)

// The nifti package decodes voxels by width only: 1 and 2 byte voxels as
// unsigned integers, 4 byte voxels as float32 bits, 8 byte voxels as float64
// bits. decode turns that reading back into the stored value.
type datatype struct {
	bitpix int16
	decode func(float32) float32
}

func asIs(f float32) float32 { return f }

var datatypes = map[int16]datatype{
	dtUint8:   {8, asIs},
	dtInt8:    {8, func(f float32) float32 { return float32(int8(uint8(f))) }},
	dtUint16:  {16, asIs},
	dtInt16:   {16, func(f float32) float32 { return float32(int16(uint16(f))) }},
	dtInt32:   {32, func(f float32) float32 { return float32(int32(math.Float32bits(f))) }},
	dtUint32:  {32, func(f float32) float32 { return float32(math.Float32bits(f)) }},
	dtFloat32: {32, asIs},
	dtFloat64: {64, asIs},
}

// Geometry places the voxel grid in world space. Fields mirror the NIfTI-1
// qform and sform header entries; Qfac is pixdim[0].
type Geometry struct {
	QformCode int16
	SformCode int16
	Quatern   [3]float32
	Qoffset   [3]float32
	Qfac      float32
	Srow      [3][4]float32
	XyztUnits byte
}

// Volume is a 3-D label image. Labels are stored x fastest, then y, then z.
type Volume struct {
	Dims     [3]int
	Spacing  [3]float32
	Geometry Geometry
	Labels   []float32
}

// NewVolume allocates an empty volume with 1 mm isotropic voxels and an
// identity affine of unknown space.
func NewVolume(x, y, z int) *Volume {
	return &Volume{
		Dims:    [3]int{x, y, z},
		Spacing: [3]float32{1, 1, 1},
		Geometry: Geometry{
			Qfac: 1,
			Srow: [3][4]float32{
				{1, 0, 0, 0},
				{0, 1, 0, 0},
				{0, 0, 1, 0},
			},
			XyztUnits: 10,
		},
		Labels: make([]float32, x*y*z),
	}
}

func (v *Volume) index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the label of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Labels[v.index(x, y, z)]
}

// Set assigns the label of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, label float32) {
	v.Labels[v.index(x, y, z)] = label
}

func (v *Volume) check() error {
	for i, d := range v.Dims {
		if d <= 0 || d > 1<<15-1 {
			return fmt.Errorf("axis %d has %d voxels: %w", i, d, ErrVolume)
		}
	}
	if n := v.Dims[0] * v.Dims[1] * v.Dims[2]; len(v.Labels) != n {
		return fmt.Errorf("%d labels for %d voxels: %w", len(v.Labels), n, ErrVolume)
	}
	return nil
}

func geometryOf(h nifti.Nifti1Header) Geometry {
	return Geometry{
		QformCode: h.QformCode,
		SformCode: h.SformCode,
		Quatern:   [3]float32{h.QuaternB, h.QuaternC, h.QuaternD},
		Qoffset:   [3]float32{h.QoffsetX, h.QoffsetY, h.QoffsetZ},
		Qfac:      h.Pixdim[0],
		Srow:      [3][4]float32{h.SrowX, h.SrowY, h.SrowZ},
		XyztUnits: h.XyztUnits,
	}
}

func (g Geometry) apply(h *nifti.Nifti1Header) {
	h.QformCode, h.SformCode = g.QformCode, g.SformCode
	h.QuaternB, h.QuaternC, h.QuaternD = g.Quatern[0], g.Quatern[1], g.Quatern[2]
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = g.Qoffset[0], g.Qoffset[1], g.Qoffset[2]
	h.Pixdim[0] = g.Qfac
	h.SrowX, h.SrowY, h.SrowZ = g.Srow[0], g.Srow[1], g.Srow[2]
	h.XyztUnits = g.XyztUnits
}

// nifti reports failures by panicking.
func protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("nifti: %v", r)
		}
	}()
	fn()
	return nil
}

// WriteVolume stores v as a gzipped float32 NIfTI-1 image. path must end in .nii.gz.
func WriteVolume(path string, v *Volume) error {
	if !strings.HasSuffix(path, ".nii.gz") {
		return fmt.Errorf("WriteVolume: %s is not a .nii.gz path", path)
	}
	if err := v.check(); err != nil {
		return err
	}

	img := nifti.NewImg(v.Dims[0], v.Dims[1], v.Dims[2], 1)

	header := img.GetHeader()
	header.Datatype = dtFloat32
	header.Bitpix = 32
	header.Pixdim[1], header.Pixdim[2], header.Pixdim[3] = v.Spacing[0], v.Spacing[1], v.Spacing[2]
	v.Geometry.apply(&header)
	header.SclSlope, header.SclInter = 1, 0
	header.CalMin, header.CalMax = 0, 0
	for _, l := range v.Labels {
		if l > header.CalMax {
			header.CalMax = l
		}
	}
	img.SetNewHeader(header)

	for z := 0; z < v.Dims[2]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[0]; x++ {
				img.SetAt(uint32(x), uint32(y), uint32(z), 0, v.At(x, y, z))
			}
		}
	}

	return protect(func() {
		img.Save(strings.TrimSuffix(path, ".gz"))
	})
}

// ReadVolume loads the first volume of a NIfTI-1 image. Integer and float
// datatypes up to 32 bits, and float64, are converted to float32 labels with
// scl_slope/scl_inter applied. Other datatypes are rejected.
func ReadVolume(path string) (*Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ReadVolume: %w", err)
	}

	var header nifti.Nifti1Header
	if err := protect(func() { header.LoadHeader(path) }); err != nil {
		return nil, fmt.Errorf("ReadVolume: %s: %v: %w", path, err, ErrVolume)
	}
	dt, ok := datatypes[header.Datatype]
	if !ok {
		return nil, fmt.Errorf("ReadVolume: %s has unsupported datatype %d: %w", path, header.Datatype, ErrVolume)
	}
	if header.Bitpix != dt.bitpix {
		return nil, fmt.Errorf("ReadVolume: %s has datatype %d with bitpix %d: %w", path, header.Datatype, header.Bitpix, ErrVolume)
	}

	slope, inter := header.SclSlope, header.SclInter
	if slope == 0 {
		slope, inter = 1, 0
	}

	var img nifti.Nifti1Image
	var v *Volume
	err := protect(func() {
		img.LoadImage(path, true)

		dims := img.GetDims()
		v = NewVolume(dims[0], dims[1], dims[2])
		v.Spacing = [3]float32{header.Pixdim[1], header.Pixdim[2], header.Pixdim[3]}
		v.Geometry = geometryOf(header)
		if v.check() != nil {
			return
		}

		for z := 0; z < v.Dims[2]; z++ {
			for y := 0; y < v.Dims[1]; y++ {
				for x := 0; x < v.Dims[0]; x++ {
					raw := img.GetAt(uint32(x), uint32(y), uint32(z), 0)
					v.Set(x, y, z, dt.decode(raw)*slope+inter)
				}
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ReadVolume: %s: %v: %w", path, err, ErrVolume)
	}
	if err := v.check(); err != nil {
		return nil, fmt.Errorf("ReadVolume: %s: %w", path, err)
	}
	return v, nil
}
