package patchview

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	renderCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchview_render_cache_hits_total",
		Help: "The total number of hits on the rendered tile cache",
	})
	renderCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchview_render_cache_misses_total",
		Help: "The total number of misses on the rendered tile cache",
	})
	renderCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "patchview_render_cache_evictions_total",
		Help: "The total number of evictions from the rendered tile cache",
	})
)

// Normalization guard against division by zero on constant-valued bands.
const normalizeEpsilon = 1e-8

// SensorBands maps a sensor family to the zero-based indices of its red,
// green and blue bands in band storage order.
var SensorBands = map[string][3]int{
	// Landsat OLI/TM surface reflectance: B4=red, B3=green, B2=blue.
	"landsat": {3, 2, 1},
}

// A RenderedTile is an immutable rendered capture: encoded PNG bytes plus the
// capture's geographic bounds.
type RenderedTile struct {
	PNG    []byte
	Bounds GeographicBounds
}

// A RenderError reports a failure to read or render one capture's raster. It
// wraps the underlying I/O or decode error.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// A RenderCache renders captures into normalized RGB tiles, memoizing results
// under a bounded least-recently-used policy keyed by the capture's storage
// location. Rendering is a pure function of the raster's bytes, so racing
// renders of the same key are de-duplicated best-effort and either result is
// valid. Failed renders are never cached.
type RenderCache struct {
	reader   RasterReader
	reproj   BoundsReprojector
	rgbBands [3]int
	capacity int
	group    singleflight.Group
	cache    *lru.Cache[string, *RenderedTile]
}

// A RenderCacheOption sets an option on a RenderCache.
type RenderCacheOption func(*RenderCache)

// WithCacheCapacity sets the maximum number of distinct cached tiles.
func WithCacheCapacity(capacity int) RenderCacheOption {
	return func(c *RenderCache) {
		c.capacity = capacity
	}
}

// WithRGBBands sets the zero-based band indices rendered as red, green and
// blue.
func WithRGBBands(rgbBands [3]int) RenderCacheOption {
	return func(c *RenderCache) {
		c.rgbBands = rgbBands
	}
}

// NewRenderCache returns a new RenderCache with the given options. The
// default capacity is 256 tiles and the default band mapping is the Landsat
// OLI/TM one.
func NewRenderCache(reader RasterReader, reproj BoundsReprojector, options ...RenderCacheOption) (*RenderCache, error) {
	c := &RenderCache{
		reader:   reader,
		reproj:   reproj,
		rgbBands: SensorBands["landsat"],
		capacity: 256,
	}
	for _, option := range options {
		option(c)
	}

	var err error
	c.cache, err = lru.NewWithEvict(c.capacity, func(string, *RenderedTile) {
		renderCacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Render returns the rendered tile for the capture stored at path. Hits
// return the cached value without I/O; concurrent misses for the same key
// share a single render.
func (c *RenderCache) Render(path string) (*RenderedTile, error) {
	if tile, ok := c.cache.Get(path); ok {
		renderCacheHits.Inc()
		return tile, nil
	}

	v, err, _ := c.group.Do(path, func() (any, error) {
		if tile, ok := c.cache.Get(path); ok {
			renderCacheHits.Inc()
			return tile, nil
		}
		renderCacheMisses.Inc()

		tile, err := c.render(path)
		if err != nil {
			return nil, err
		}
		c.cache.Add(path, tile)
		return tile, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RenderedTile), nil
}

// render reads the capture's raster and produces the normalized tile.
func (c *RenderCache) render(path string) (*RenderedTile, error) {
	raster, err := c.reader.Read(path)
	if err != nil {
		return nil, &RenderError{Path: path, Err: err}
	}

	maxBand := max(c.rgbBands[0], c.rgbBands[1], c.rgbBands[2])
	if len(raster.Bands) <= maxBand {
		return nil, &RenderError{
			Path: path,
			Err:  fmt.Errorf("raster has %d bands, band %d required", len(raster.Bands), maxBand),
		}
	}
	red := raster.Bands[c.rgbBands[0]]
	green := raster.Bands[c.rgbBands[1]]
	blue := raster.Bands[c.rgbBands[2]]

	// Linear rescale between the pooled 2nd and 98th percentiles.
	p2, p98 := pooledPercentiles(red, green, blue)
	scale := 1 / (p98 - p2 + normalizeEpsilon)

	img := image.NewNRGBA(image.Rect(0, 0, raster.Width, raster.Height))
	for i := range raster.Width * raster.Height {
		img.Pix[4*i+0] = quantize(red[i], p2, scale)
		img.Pix[4*i+1] = quantize(green[i], p2, scale)
		img.Pix[4*i+2] = quantize(blue[i], p2, scale)
		img.Pix[4*i+3] = 0xff
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &RenderError{Path: path, Err: err}
	}

	bounds, err := c.reproj.Reproject(raster.Bounds)
	if err != nil {
		return nil, &RenderError{Path: path, Err: err}
	}

	return &RenderedTile{PNG: buf.Bytes(), Bounds: bounds}, nil
}

// quantize maps one sample to its 8-bit value, clipping to [0, 1] before
// scaling.
func quantize(value, p2, scale float64) uint8 {
	normalized := (value - p2) * scale
	if normalized < 0 {
		normalized = 0
	} else if normalized > 1 {
		normalized = 1
	}
	return uint8(normalized * 255)
}

// pooledPercentiles returns the 2nd and 98th percentile of all the given
// bands pooled together, linearly interpolated between order statistics.
func pooledPercentiles(bands ...[]float64) (p2, p98 float64) {
	total := 0
	for _, band := range bands {
		total += len(band)
	}
	pooled := make([]float64, 0, total)
	for _, band := range bands {
		pooled = append(pooled, band...)
	}
	sort.Float64s(pooled)
	return percentile(pooled, 2), percentile(pooled, 98)
}

// percentile returns the p-th percentile of sorted values, interpolating
// linearly between adjacent order statistics.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo
	if lo+1 < len(sorted) {
		hi = lo + 1
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
