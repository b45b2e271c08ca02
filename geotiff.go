package patchview

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"golang.org/x/image/tiff/lzw"
)

var errShortRead = errors.New("short read")

// TIFF compression schemes understood by the reader.
const (
	compressionNone    = 1
	compressionLZW     = 5
	compressionDeflate = 8
)

// TIFF sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth          uint16    `tiff:"field,tag=256"`
	ImageLength         uint16    `tiff:"field,tag=257"`
	BitsPerSample       []uint16  `tiff:"field,tag=258"`
	Compression         uint16    `tiff:"field,tag=259"`
	StripOffsets        []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel     uint16    `tiff:"field,tag=277"`
	RowsPerStrip        uint32    `tiff:"field,tag=278"`
	StripByteCounts     []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration uint16    `tiff:"field,tag=284"`
	Predictor           uint16    `tiff:"field,tag=317"`
	TileWidth           uint16    `tiff:"field,tag=322"`
	TileLength          uint16    `tiff:"field,tag=323"`
	TileOffsets         []uint64  `tiff:"field,tag=324"`
	TileByteCounts      []uint64  `tiff:"field,tag=325"`
	SampleFormat        []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag  []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag    []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag  []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag  []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag   string    `tiff:"field,tag=34737"`
	GDALNoData          string    `tiff:"field,tag=42113"`
}

// A GeoTIFFReader reads multi-band GeoTIFF rasters from an fs.FS. It
// understands the layout the dataset's patches are written in: chunky planar
// configuration, strip or tile organization, 8/16-bit integer or 32-bit float
// samples, compression none, LZW, or Deflate.
type GeoTIFFReader struct {
	fsys fs.FS
}

// NewGeoTIFFReader returns a new GeoTIFFReader reading from fsys.
func NewGeoTIFFReader(fsys fs.FS) *GeoTIFFReader {
	return &GeoTIFFReader{fsys: fsys}
}

// ReadMetadata returns the raster's dimensions, band count, and native bounds
// without decoding pixel data.
func (r *GeoTIFFReader) ReadMetadata(path string) (*RasterMetadata, error) {
	g, err := r.parse(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &RasterMetadata{
		Width:     g.width,
		Height:    g.height,
		BandCount: g.bands,
		Bounds:    g.bounds,
	}, nil
}

// Read returns the raster with all bands decoded.
func (r *GeoTIFFReader) Read(path string) (*Raster, error) {
	g, err := r.parse(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	bands, err := g.readBands()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Raster{
		Width:  g.width,
		Height: g.height,
		Bands:  bands,
		Bounds: g.bounds,
	}, nil
}

// A geoTIFF is one parsed patch raster, held fully in memory. Patches are
// small (hundreds of KB) so reading the whole file is cheaper than seeking.
type geoTIFF struct {
	raw           []byte
	order         binary.ByteOrder
	ifd           geoTIFFIFD
	width         int
	height        int
	bands         int
	bitsPerSample int
	sampleFormat  int
	bounds        NativeBounds
}

func (r *GeoTIFFReader) parse(path string) (*geoTIFF, error) {
	file, err := r.fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, errShortRead
	}

	g := &geoTIFF{raw: raw}
	switch raw[0] {
	case 'I':
		g.order = binary.LittleEndian
	case 'M':
		g.order = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF file")
	}

	tiffTIFF, err := tiff.Parse(bytes.NewReader(raw), tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, errors.New("no IFDs")
	}
	// Additional IFDs, if any, are overviews; the full-resolution raster is
	// always first.
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &g.ifd); err != nil {
		return nil, err
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, g.computeBounds()
}

func (g *geoTIFF) validate() error {
	ifd := &g.ifd
	g.width = int(ifd.ImageWidth)
	g.height = int(ifd.ImageLength)
	if g.width <= 0 || g.height <= 0 {
		return errors.New("empty raster")
	}

	g.bands = int(ifd.SamplesPerPixel)
	if g.bands == 0 {
		g.bands = 1
	}

	if len(ifd.BitsPerSample) == 0 {
		return errors.New("missing bits per sample")
	}
	g.bitsPerSample = int(ifd.BitsPerSample[0])
	for _, bits := range ifd.BitsPerSample[1:] {
		if int(bits) != g.bitsPerSample {
			return errors.ErrUnsupported
		}
	}

	g.sampleFormat = sampleFormatUint
	if len(ifd.SampleFormat) > 0 {
		g.sampleFormat = int(ifd.SampleFormat[0])
		for _, format := range ifd.SampleFormat[1:] {
			if int(format) != g.sampleFormat {
				return errors.ErrUnsupported
			}
		}
	}

	if ifd.PlanarConfiguration > 1 {
		return errors.ErrUnsupported
	}
	if ifd.Predictor > 1 {
		return errors.ErrUnsupported
	}
	switch ifd.Compression {
	case 0, compressionNone, compressionLZW, compressionDeflate:
	default:
		return errors.ErrUnsupported
	}

	tiled := len(g.ifd.TileOffsets) > 0
	stripped := len(g.ifd.StripOffsets) > 0
	if tiled == stripped {
		return errors.New("expected exactly one of strip or tile layout")
	}
	if tiled {
		if g.ifd.TileWidth == 0 || g.ifd.TileLength == 0 {
			return errors.New("missing tile dimensions")
		}
		tilesAcross := (g.width + int(g.ifd.TileWidth) - 1) / int(g.ifd.TileWidth)
		tilesDown := (g.height + int(g.ifd.TileLength) - 1) / int(g.ifd.TileLength)
		if len(g.ifd.TileOffsets) != tilesAcross*tilesDown || len(g.ifd.TileByteCounts) != tilesAcross*tilesDown {
			return errors.New("incorrect number of tile byte counts or offsets")
		}
	} else {
		rowsPerStrip := int(g.ifd.RowsPerStrip)
		if rowsPerStrip == 0 {
			rowsPerStrip = g.height
		}
		strips := (g.height + rowsPerStrip - 1) / rowsPerStrip
		if len(g.ifd.StripOffsets) != strips || len(g.ifd.StripByteCounts) != strips {
			return errors.New("incorrect number of strip byte counts or offsets")
		}
	}

	return nil
}

func (g *geoTIFF) computeBounds() error {
	ifd := &g.ifd
	if len(ifd.ModelPixelScaleTag) < 2 || len(ifd.ModelTiepointTag) < 6 {
		return errors.New("missing georeferencing tags")
	}
	scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
	if scaleX <= 0 || scaleY <= 0 {
		return errors.New("invalid pixel scale")
	}
	// The tiepoint maps raster position (i, j) to model position (x, y).
	i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
	x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
	left := x - i*scaleX
	top := y + j*scaleY
	g.bounds = NativeBounds{
		Left:   left,
		Bottom: top - float64(g.height)*scaleY,
		Right:  left + float64(g.width)*scaleX,
		Top:    top,
	}

	if len(ifd.GeoKeyDirectoryTag) == 0 {
		return fmt.Errorf("%w: no spatial reference", ErrUnprojectableBounds)
	}
	keys, err := parseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnprojectableBounds, err)
	}
	epsg, err := keys.epsgCode()
	if err != nil {
		return fmt.Errorf("%w: no EPSG code", ErrUnprojectableBounds)
	}
	g.bounds.EPSG = epsg
	return nil
}

// readBands decodes all bands into per-band row-major buffers.
func (g *geoTIFF) readBands() ([][]float64, error) {
	decode, bytesPerSample, err := g.sampleDecoder()
	if err != nil {
		return nil, err
	}

	bands := make([][]float64, g.bands)
	for b := range bands {
		bands[b] = make([]float64, g.width*g.height)
	}

	if len(g.ifd.TileOffsets) > 0 {
		err = g.readTiles(bands, decode, bytesPerSample)
	} else {
		err = g.readStrips(bands, decode, bytesPerSample)
	}
	if err != nil {
		return nil, err
	}
	return bands, nil
}

func (g *geoTIFF) readStrips(bands [][]float64, decode func([]byte) float64, bytesPerSample int) error {
	rowsPerStrip := int(g.ifd.RowsPerStrip)
	if rowsPerStrip == 0 {
		rowsPerStrip = g.height
	}
	rowBytes := g.width * g.bands * bytesPerSample

	for strip := range g.ifd.StripOffsets {
		rowStart := strip * rowsPerStrip
		rowEnd := min(rowStart+rowsPerStrip, g.height)
		data, err := g.blockData(g.ifd.StripOffsets[strip], g.ifd.StripByteCounts[strip], (rowEnd-rowStart)*rowBytes)
		if err != nil {
			return err
		}
		si := 0
		for row := rowStart; row < rowEnd; row++ {
			for col := range g.width {
				for b := range g.bands {
					bands[b][row*g.width+col] = decode(data[si:])
					si += bytesPerSample
				}
			}
		}
	}
	return nil
}

func (g *geoTIFF) readTiles(bands [][]float64, decode func([]byte) float64, bytesPerSample int) error {
	tileWidth := int(g.ifd.TileWidth)
	tileLength := int(g.ifd.TileLength)
	tilesAcross := (g.width + tileWidth - 1) / tileWidth
	tileBytes := tileWidth * tileLength * g.bands * bytesPerSample

	for tile := range g.ifd.TileOffsets {
		data, err := g.blockData(g.ifd.TileOffsets[tile], g.ifd.TileByteCounts[tile], tileBytes)
		if err != nil {
			return err
		}
		originRow := (tile / tilesAcross) * tileLength
		originCol := (tile % tilesAcross) * tileWidth
		for tileRow := range tileLength {
			row := originRow + tileRow
			if row >= g.height {
				break
			}
			for tileCol := range tileWidth {
				col := originCol + tileCol
				if col >= g.width {
					continue
				}
				si := (tileRow*tileWidth + tileCol) * g.bands * bytesPerSample
				for b := range g.bands {
					bands[b][row*g.width+col] = decode(data[si:])
					si += bytesPerSample
				}
			}
		}
	}
	return nil
}

// blockData returns one strip or tile's data, decompressed to exactly
// expected bytes.
func (g *geoTIFF) blockData(offset, byteCount uint64, expected int) ([]byte, error) {
	// Checked separately so a huge 64-bit offset cannot wrap the sum.
	if offset > uint64(len(g.raw)) || byteCount > uint64(len(g.raw))-offset {
		return nil, errShortRead
	}
	compressed := g.raw[offset : offset+byteCount]

	switch g.ifd.Compression {
	case 0, compressionNone:
		if len(compressed) < expected {
			return nil, errShortRead
		}
		return compressed[:expected], nil
	case compressionLZW:
		data := make([]byte, expected)
		r := lzw.NewReader(bytes.NewReader(compressed), lzw.MSB, 8)
		for bytesRead := 0; bytesRead < expected; {
			n, err := r.Read(data[bytesRead:])
			if err != nil {
				return nil, err
			}
			bytesRead += n
		}
		return data, nil
	case compressionDeflate:
		z, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		defer z.Close()
		data := make([]byte, expected)
		if _, err := io.ReadFull(z, data); err != nil {
			return nil, err
		}
		return data, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

// sampleDecoder returns a function decoding one sample from the head of a
// byte slice, plus the sample's encoded size.
func (g *geoTIFF) sampleDecoder() (func([]byte) float64, int, error) {
	order := g.order
	switch {
	case g.bitsPerSample == 8 && g.sampleFormat == sampleFormatUint:
		return func(b []byte) float64 { return float64(b[0]) }, 1, nil
	case g.bitsPerSample == 16 && g.sampleFormat == sampleFormatUint:
		return func(b []byte) float64 { return float64(order.Uint16(b)) }, 2, nil
	case g.bitsPerSample == 16 && g.sampleFormat == sampleFormatInt:
		return func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, 2, nil
	case g.bitsPerSample == 32 && g.sampleFormat == sampleFormatUint:
		return func(b []byte) float64 { return float64(order.Uint32(b)) }, 4, nil
	case g.bitsPerSample == 32 && g.sampleFormat == sampleFormatFloat:
		return func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, 4, nil
	default:
		return nil, 0, errors.ErrUnsupported
	}
}
