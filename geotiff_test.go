package patchview

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"sort"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
)

// A testRaster describes a synthesized in-memory GeoTIFF: little-endian,
// uint16 samples, chunky planar layout, a single strip.
type testRaster struct {
	width      int
	height     int
	bands      [][]uint16 // per-band, row-major
	originX    float64    // left edge
	originY    float64    // top edge
	scale      float64
	epsg       int
	geographic bool
	deflate    bool
	noGeoKeys  bool
}

type tiffField struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortField(tag uint16, values ...uint16) tiffField {
	var buf bytes.Buffer
	for _, v := range values {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	return tiffField{tag: tag, typ: 3, count: uint32(len(values)), data: buf.Bytes()}
}

func longField(tag uint16, values ...uint32) tiffField {
	var buf bytes.Buffer
	for _, v := range values {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	return tiffField{tag: tag, typ: 4, count: uint32(len(values)), data: buf.Bytes()}
}

func doubleField(tag uint16, values ...float64) tiffField {
	var buf bytes.Buffer
	for _, v := range values {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	return tiffField{tag: tag, typ: 12, count: uint32(len(values)), data: buf.Bytes()}
}

func (tr testRaster) pixelData(t *testing.T) []byte {
	t.Helper()
	var raw bytes.Buffer
	for row := range tr.height {
		for col := range tr.width {
			for _, band := range tr.bands {
				_ = binary.Write(&raw, binary.LittleEndian, band[row*tr.width+col])
			}
		}
	}
	if !tr.deflate {
		return raw.Bytes()
	}
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(raw.Bytes())
	assert.NoError(t, err)
	assert.NoError(t, zw.Close())
	return compressed.Bytes()
}

func (tr testRaster) fields(stripOffset, stripByteCount uint32) []tiffField {
	bands := len(tr.bands)
	bits := make([]uint16, bands)
	formats := make([]uint16, bands)
	for i := range bands {
		bits[i] = 16
		formats[i] = 1
	}
	compression := uint16(1)
	if tr.deflate {
		compression = 8
	}

	fields := []tiffField{
		shortField(256, uint16(tr.width)),
		shortField(257, uint16(tr.height)),
		shortField(258, bits...),
		shortField(259, compression),
		shortField(262, 1),
		longField(273, stripOffset),
		shortField(277, uint16(bands)),
		shortField(278, uint16(tr.height)),
		longField(279, stripByteCount),
		shortField(284, 1),
		shortField(339, formats...),
		doubleField(33550, tr.scale, tr.scale, 0),
		doubleField(33922, 0, 0, 0, tr.originX, tr.originY, 0),
	}
	if !tr.noGeoKeys {
		modelType := uint16(modelTypeProjected)
		crsKey := uint16(geoKeyProjectedCRS)
		if tr.geographic {
			modelType = modelTypeGeographic
			crsKey = uint16(geoKeyGeodeticCRS)
		}
		fields = append(fields, shortField(34735,
			1, 1, 0, 2,
			uint16(geoKeyGTModelType), 0, 1, modelType,
			crsKey, 0, 1, uint16(tr.epsg),
		))
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })
	return fields
}

func buildTIFF(fields []tiffField) []byte {
	extraStart := 8 + 2 + 12*len(fields) + 4

	var ifd bytes.Buffer
	var extra bytes.Buffer
	_ = binary.Write(&ifd, binary.LittleEndian, uint16(len(fields)))
	for _, field := range fields {
		_ = binary.Write(&ifd, binary.LittleEndian, field.tag)
		_ = binary.Write(&ifd, binary.LittleEndian, field.typ)
		_ = binary.Write(&ifd, binary.LittleEndian, field.count)
		if len(field.data) <= 4 {
			var inline [4]byte
			copy(inline[:], field.data)
			ifd.Write(inline[:])
		} else {
			_ = binary.Write(&ifd, binary.LittleEndian, uint32(extraStart+extra.Len()))
			extra.Write(field.data)
			if extra.Len()%2 == 1 {
				extra.WriteByte(0)
			}
		}
	}
	_ = binary.Write(&ifd, binary.LittleEndian, uint32(0))

	out := make([]byte, 0, 8+ifd.Len()+extra.Len())
	out = append(out, 'I', 'I', 42, 0, 8, 0, 0, 0)
	out = append(out, ifd.Bytes()...)
	return append(out, extra.Bytes()...)
}

func (tr testRaster) encode(t *testing.T) []byte {
	t.Helper()
	pixel := tr.pixelData(t)
	placeholder := buildTIFF(tr.fields(0, uint32(len(pixel))))
	out := buildTIFF(tr.fields(uint32(len(placeholder)), uint32(len(pixel))))
	return append(out, pixel...)
}

// gradientRaster returns a small raster with distinct values per band and
// pixel.
func gradientRaster() testRaster {
	width, height := 4, 3
	bands := make([][]uint16, 5)
	for b := range bands {
		bands[b] = make([]uint16, width*height)
		for i := range bands[b] {
			bands[b][i] = uint16(1000*b + 10*i)
		}
	}
	return testRaster{
		width:   width,
		height:  height,
		bands:   bands,
		originX: 500000,
		originY: 6000000,
		scale:   30,
		epsg:    32633,
	}
}

func TestGeoTIFFReaderRead(t *testing.T) {
	tr := gradientRaster()
	fsys := fstest.MapFS{
		"patch/ts/all_bands.tif": &fstest.MapFile{Data: tr.encode(t)},
	}
	reader := NewGeoTIFFReader(fsys)

	raster, err := reader.Read("patch/ts/all_bands.tif")
	assert.NoError(t, err)
	assert.Equal(t, 4, raster.Width)
	assert.Equal(t, 3, raster.Height)
	assert.Equal(t, 5, len(raster.Bands))
	for b, band := range raster.Bands {
		for i, sample := range band {
			assert.Equal(t, float64(1000*b+10*i), sample)
		}
	}
	assert.Equal(t, NativeBounds{
		Left:   500000,
		Bottom: 6000000 - 3*30,
		Right:  500000 + 4*30,
		Top:    6000000,
		EPSG:   32633,
	}, raster.Bounds)
}

func TestGeoTIFFReaderReadMetadata(t *testing.T) {
	tr := gradientRaster()
	fsys := fstest.MapFS{
		"patch/ts/all_bands.tif": &fstest.MapFile{Data: tr.encode(t)},
	}
	reader := NewGeoTIFFReader(fsys)

	metadata, err := reader.ReadMetadata("patch/ts/all_bands.tif")
	assert.NoError(t, err)
	assert.Equal(t, 4, metadata.Width)
	assert.Equal(t, 3, metadata.Height)
	assert.Equal(t, 5, metadata.BandCount)
	assert.Equal(t, 32633, metadata.Bounds.EPSG)
}

func TestGeoTIFFReaderDeflate(t *testing.T) {
	tr := gradientRaster()
	tr.deflate = true
	fsys := fstest.MapFS{
		"patch/ts/all_bands.tif": &fstest.MapFile{Data: tr.encode(t)},
	}
	reader := NewGeoTIFFReader(fsys)

	raster, err := reader.Read("patch/ts/all_bands.tif")
	assert.NoError(t, err)
	for b, band := range raster.Bands {
		for i, sample := range band {
			assert.Equal(t, float64(1000*b+10*i), sample)
		}
	}
}

func TestGeoTIFFReaderGeographic(t *testing.T) {
	tr := testRaster{
		width:      2,
		height:     2,
		bands:      [][]uint16{{1, 2, 3, 4}},
		originX:    10,
		originY:    50,
		scale:      0.01,
		epsg:       4326,
		geographic: true,
	}
	fsys := fstest.MapFS{
		"patch/ts/all_bands.tif": &fstest.MapFile{Data: tr.encode(t)},
	}
	reader := NewGeoTIFFReader(fsys)

	metadata, err := reader.ReadMetadata("patch/ts/all_bands.tif")
	assert.NoError(t, err)
	assert.Equal(t, 4326, metadata.Bounds.EPSG)
	assert.Equal(t, 10.0, metadata.Bounds.Left)
	assert.Equal(t, 50.0, metadata.Bounds.Top)
	assert.True(t, math.Abs(metadata.Bounds.Right-10.02) < 1e-12)
	assert.True(t, math.Abs(metadata.Bounds.Bottom-49.98) < 1e-12)
}

func TestGeoTIFFReaderMissingSpatialReference(t *testing.T) {
	tr := gradientRaster()
	tr.noGeoKeys = true
	fsys := fstest.MapFS{
		"patch/ts/all_bands.tif": &fstest.MapFile{Data: tr.encode(t)},
	}
	reader := NewGeoTIFFReader(fsys)

	_, err := reader.ReadMetadata("patch/ts/all_bands.tif")
	assert.IsError(t, err, ErrUnprojectableBounds)
}

func TestGeoTIFFReaderNotExist(t *testing.T) {
	reader := NewGeoTIFFReader(fstest.MapFS{})
	_, err := reader.Read("missing/all_bands.tif")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestGeoTIFFBlockDataOutOfRange(t *testing.T) {
	// BigTIFF strip offsets are 64-bit; an offset near the top of the range
	// must fail cleanly instead of wrapping past the bounds check.
	g := &geoTIFF{raw: make([]byte, 16)}
	_, err := g.blockData(math.MaxUint64, 16, 16)
	assert.IsError(t, err, errShortRead)
	_, err = g.blockData(8, math.MaxUint64, 16)
	assert.IsError(t, err, errShortRead)
	_, err = g.blockData(32, 4, 4)
	assert.IsError(t, err, errShortRead)
}

func TestGeoTIFFReaderCorrupt(t *testing.T) {
	fsys := fstest.MapFS{
		"patch/ts/all_bands.tif": &fstest.MapFile{Data: []byte("not a tiff at all")},
	}
	reader := NewGeoTIFFReader(fsys)
	_, err := reader.Read("patch/ts/all_bands.tif")
	assert.Error(t, err)
}
