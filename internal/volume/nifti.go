package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"maisi/internal/fileutil"
	"maisi/internal/ndarray"
)

const (
	headerSize    = 348
	defaultOffset = 352
)

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

// ErrNotNifti reports a file whose header is not a single-file NIfTI-1 header.
var ErrNotNifti = errors.New("not a NIfTI-1 file")

// ErrTruncated reports a header whose dims describe more voxel data than the
// file holds or than Read is willing to allocate.
var ErrTruncated = errors.New("voxel data shorter than header dims")

// MaxVoxels caps the element count Read decodes from a single file.
var MaxVoxels = 1 << 31

// decodeChunk is the number of voxels decoded per read.
const decodeChunk = 1 << 20

// rawHeader mirrors the on-disk NIfTI-1 header field for field.
type rawHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Header is the decoded subset of a NIfTI-1 header needed for geometry and
// voxel decoding.
type Header struct {
	Shape     []int
	Datatype  int16
	Pixdim    [8]float32
	VoxOffset int64
	SclSlope  float32
	SclInter  float32
	QformCode int16
	SformCode int16
	Affine    Affine
	Descrip   string
	order     binary.ByteOrder
}

// DType reports the on-disk element type.
func (h Header) DType() (DType, error) {
	switch h.Datatype {
	case dtUint8:
		return Uint8, nil
	case dtInt8:
		return Int8, nil
	case dtInt16:
		return Int16, nil
	case dtUint16:
		return Uint16, nil
	case dtInt32:
		return Int32, nil
	case dtUint32:
		return Uint32, nil
	case dtFloat32:
		return Float32, nil
	case dtFloat64:
		return Float64, nil
	default:
		return "", fmt.Errorf("unsupported NIfTI datatype %d", h.Datatype)
	}
}

// SpatialShape returns the first three dimensions, padding missing ones with 1.
func (h Header) SpatialShape() [3]int {
	dim := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < len(h.Shape); i++ {
		dim[i] = h.Shape[i]
	}
	return dim
}

// Geometry returns the size and pixdim spacing of the volume as stored on
// disk.
func (h Header) Geometry() Geometry {
	g := Geometry{Dim: h.SpatialShape()}
	for i := range 3 {
		g.Spacing[i] = math.Abs(float64(h.Pixdim[i+1]))
		if g.Spacing[i] == 0 {
			g.Spacing[i] = 1
		}
	}
	return g
}

// OrientedGeometry returns the size and spacing the volume will have after
// reorientation to RAS, without reading any voxel data.
func (h Header) OrientedGeometry() Geometry {
	g := h.Geometry()
	ornt := Orientation(h.Affine)
	var out Geometry
	for j, o := range ornt {
		out.Dim[o.Axis] = g.Dim[j]
		out.Spacing[o.Axis] = g.Spacing[j]
	}
	return out
}

// ProbeHeader reads only the header of a .nii or .nii.gz file.
func ProbeHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	r, _, closeFn, err := openStream(f)
	if err != nil {
		return Header{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer closeFn()

	hdr, err := readHeader(r)
	if err != nil {
		return Header{}, fmt.Errorf("read header %s: %w", path, err)
	}
	return hdr, nil
}

// Read loads the full volume at path. Voxels keep their on-disk type unless
// scl_slope/scl_inter scaling applies, in which case the volume is float32.
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, compressed, closeFn, err := openStream(f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer closeFn()

	hdr, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	dtype, err := hdr.DType()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n, err := voxelBudget(f, compressed, hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if skip := hdr.VoxOffset - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("%s: skip extensions: %w", path, err)
		}
	}

	data, err := decodeVoxels(r, hdr.order, hdr.Datatype, n)
	if err != nil {
		return nil, fmt.Errorf("%s: decode voxels: %w", path, err)
	}
	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		for i, v := range data {
			data[i] = v*hdr.SclSlope + hdr.SclInter
		}
		dtype = Float32
	}

	// Voxels are stored with the first axis varying fastest.
	reversed := make([]int, len(hdr.Shape))
	for i, d := range hdr.Shape {
		reversed[len(reversed)-1-i] = d
	}
	fortran, err := ndarray.FromData(data, reversed...)
	if err != nil {
		return nil, err
	}
	arr, err := ndarray.ReverseAxes(fortran)
	if err != nil {
		return nil, err
	}

	return &Volume{Data: arr, Affine: hdr.Affine, DType: dtype, Source: path}, nil
}

// Write stores v as NIfTI-1 in its DType (float32 when unset) with the volume
// affine as sform. The file is gzip-compressed when path ends in .gz and
// appears atomically.
func Write(path string, v *Volume) error {
	if v == nil || v.Data == nil {
		return errors.New("write nifti: empty volume")
	}
	if r := v.Data.Rank(); r < 1 || r > 7 {
		return fmt.Errorf("write nifti: unsupported rank %d", r)
	}
	fortran, err := ndarray.ReverseAxes(v.Data)
	if err != nil {
		return fmt.Errorf("write nifti: %w", err)
	}
	code, bitpix, err := datatypeCode(v.DType)
	if err != nil {
		return fmt.Errorf("write nifti: %w", err)
	}
	hdr := buildHeader(v.Data.Shape, v.Affine)
	hdr.Datatype, hdr.Bitpix = code, bitpix

	return fileutil.WriteAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriterSize(w, 1<<20)
		var out io.Writer = bw
		var zw *gzip.Writer
		if strings.HasSuffix(strings.ToLower(path), ".gz") {
			zw = gzip.NewWriter(bw)
			out = zw
		}
		if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
			return err
		}
		// Empty extension block.
		if _, err := out.Write([]byte{0, 0, 0, 0}); err != nil {
			return err
		}
		if err := encodeVoxels(out, code, fortran.Data); err != nil {
			return err
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

func buildHeader(shape []int, affine Affine) *rawHeader {
	hdr := &rawHeader{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: defaultOffset,
		SclSlope:  1,
		XYZTUnits: 2 | 8,
		SformCode: 2,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = int16(len(shape))
	for i := range 7 {
		hdr.Dim[i+1] = 1
		hdr.Pixdim[i+1] = 1
	}
	for i, d := range shape {
		hdr.Dim[i+1] = int16(d)
	}
	spacing := affine.Spacing()
	hdr.Pixdim[0] = 1
	for i := range 3 {
		hdr.Pixdim[i+1] = float32(spacing[i])
	}
	for j := range 4 {
		hdr.SrowX[j] = float32(affine[0][j])
		hdr.SrowY[j] = float32(affine[1][j])
		hdr.SrowZ[j] = float32(affine[2][j])
	}
	return hdr
}

func datatypeCode(d DType) (int16, int16, error) {
	switch d {
	case "", Float32:
		return dtFloat32, 32, nil
	case Float64:
		return dtFloat64, 64, nil
	case Uint8:
		return dtUint8, 8, nil
	case Int8:
		return dtInt8, 8, nil
	case Int16:
		return dtInt16, 16, nil
	case Uint16:
		return dtUint16, 16, nil
	case Int32:
		return dtInt32, 32, nil
	case Uint32:
		return dtUint32, 32, nil
	default:
		return 0, 0, fmt.Errorf("unsupported dtype %q", d)
	}
}

func encodeVoxels(w io.Writer, code int16, data []float32) error {
	var buf any
	switch code {
	case dtFloat32:
		buf = data
	case dtFloat64:
		buf = convert[float64](data)
	case dtUint8:
		buf = convert[uint8](data)
	case dtInt8:
		buf = convert[int8](data)
	case dtInt16:
		buf = convert[int16](data)
	case dtUint16:
		buf = convert[uint16](data)
	case dtInt32:
		buf = convert[int32](data)
	case dtUint32:
		buf = convert[uint32](data)
	default:
		return fmt.Errorf("unsupported NIfTI datatype %d", code)
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

func convert[T int8 | uint8 | int16 | uint16 | int32 | uint32 | float64](data []float32) []T {
	out := make([]T, len(data))
	for i, v := range data {
		out[i] = T(v)
	}
	return out
}

// openStream wraps f in a gzip reader when it starts with the gzip magic and
// reports whether it did.
func openStream(f *os.File) (io.Reader, bool, func(), error) {
	br := bufio.NewReaderSize(f, 1<<20)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, false, nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, false, nil, err
		}
		return bufio.NewReaderSize(zr, 1<<20), true, func() { _ = zr.Close() }, nil
	}
	return br, false, func() {}, nil
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf) == headerSize:
		order = binary.BigEndian
	default:
		return Header{}, ErrNotNifti
	}

	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), order, &raw); err != nil {
		return Header{}, err
	}
	if raw.Magic != [4]byte{'n', '+', '1', 0} {
		return Header{}, fmt.Errorf("%w: magic %q", ErrNotNifti, raw.Magic[:3])
	}

	ndim := int(raw.Dim[0])
	if ndim < 1 || ndim > 7 {
		return Header{}, fmt.Errorf("invalid dimension count %d", ndim)
	}
	shape := make([]int, ndim)
	for i := range ndim {
		d := int(raw.Dim[i+1])
		if d < 1 {
			return Header{}, fmt.Errorf("invalid size %d on axis %d", d, i)
		}
		shape[i] = d
	}
	// Trailing singleton axes beyond the spatial three carry no data.
	for len(shape) > 3 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}

	offset := int64(raw.VoxOffset)
	if offset < headerSize {
		offset = defaultOffset
	}

	return Header{
		Shape:     shape,
		Datatype:  raw.Datatype,
		Pixdim:    raw.Pixdim,
		VoxOffset: offset,
		SclSlope:  raw.SclSlope,
		SclInter:  raw.SclInter,
		QformCode: raw.QformCode,
		SformCode: raw.SformCode,
		Affine:    headerAffine(&raw),
		Descrip:   strings.TrimRight(string(raw.Descrip[:]), "\x00 "),
		order:     order,
	}, nil
}

// headerAffine prefers sform, then qform, then a pixdim diagonal.
func headerAffine(raw *rawHeader) Affine {
	if raw.SformCode > 0 {
		a := Identity()
		for j := range 4 {
			a[0][j] = float64(raw.SrowX[j])
			a[1][j] = float64(raw.SrowY[j])
			a[2][j] = float64(raw.SrowZ[j])
		}
		return a
	}
	dx, dy, dz := pixdim(raw, 1), pixdim(raw, 2), pixdim(raw, 3)
	if raw.QformCode > 0 {
		b, c, d := float64(raw.QuaternB), float64(raw.QuaternC), float64(raw.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			a = 1 / math.Sqrt(b*b+c*c+d*d)
			b, c, d = a*b, a*c, a*d
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if raw.Pixdim[0] < 0 {
			qfac = -1
		}
		dz *= qfac
		r := [3][3]float64{
			{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
			{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
			{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
		}
		zoom := [3]float64{dx, dy, dz}
		out := Identity()
		for i := range 3 {
			for j := range 3 {
				out[i][j] = r[i][j] * zoom[j]
			}
		}
		out[0][3] = float64(raw.QoffsetX)
		out[1][3] = float64(raw.QoffsetY)
		out[2][3] = float64(raw.QoffsetZ)
		return out
	}
	return DiagonalAffine([3]float64{dx, dy, dz})
}

func pixdim(raw *rawHeader, i int) float64 {
	v := math.Abs(float64(raw.Pixdim[i]))
	if v == 0 {
		return 1
	}
	return v
}

// voxelBudget returns the voxel count hdr describes after checking it
// against MaxVoxels and, for uncompressed files, against the bytes on disk.
func voxelBudget(f *os.File, compressed bool, hdr Header) (int, error) {
	n, ok := ndarray.CheckedSize(hdr.Shape)
	if !ok || n > MaxVoxels {
		return 0, fmt.Errorf("%w: dims %v exceed %d voxels", ErrTruncated, hdr.Shape, MaxVoxels)
	}
	width, err := bytesPerVoxel(hdr.Datatype)
	if err != nil {
		return 0, err
	}
	if compressed {
		return n, nil
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	avail := st.Size() - hdr.VoxOffset
	if need := int64(n) * int64(width); avail < need {
		return 0, fmt.Errorf("%w: dims %v need %d bytes, file holds %d", ErrTruncated, hdr.Shape, need, max(avail, 0))
	}
	return n, nil
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
}

// decodeVoxels reads n voxels in fixed-size chunks so a header that
// overstates a compressed payload fails at EOF instead of allocating n up front.
func decodeVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float32, error) {
	width, err := bytesPerVoxel(datatype)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, min(n, decodeChunk))
	raw := make([]byte, min(n, decodeChunk)*width)
	for remaining := n; remaining > 0; {
		k := min(remaining, decodeChunk)
		buf := raw[:k*width]
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: got %d of %d voxels", ErrTruncated, n-remaining, n)
			}
			return nil, err
		}
		for i := range k {
			out = append(out, decodeOne(buf[i*width:], order, datatype))
		}
		remaining -= k
	}
	return out, nil
}

func decodeOne(b []byte, order binary.ByteOrder, datatype int16) float32 {
	switch datatype {
	case dtUint8:
		return float32(b[0])
	case dtInt8:
		return float32(int8(b[0]))
	case dtInt16:
		return float32(int16(order.Uint16(b)))
	case dtUint16:
		return float32(order.Uint16(b))
	case dtInt32:
		return float32(int32(order.Uint32(b)))
	case dtUint32:
		return float32(order.Uint32(b))
	case dtFloat32:
		return math.Float32frombits(order.Uint32(b))
	default:
		return float32(math.Float64frombits(order.Uint64(b)))
	}
}
