package patchview

import (
	"fmt"
	"math"
	"sync"

	"github.com/twpayne/go-proj/v11"
)

// The canonical geographic reference all bounds are expressed in.
const canonicalEPSG = 4326

// A Reprojector converts rectangles from a native spatial reference into
// canonical EPSG:4326 geographic bounds. It caches one PROJ transformation
// per source EPSG code and is safe for concurrent use.
type Reprojector struct {
	mutex sync.Mutex
	pjs   map[int]*proj.PJ
}

// NewReprojector returns a new Reprojector.
func NewReprojector() *Reprojector {
	return &Reprojector{pjs: make(map[int]*proj.PJ)}
}

// Reproject returns b expressed in EPSG:4326. The four transformed corners
// are re-sorted into extrema, so the result satisfies min <= max regardless
// of the source reference's axis order or rounding near degenerate inputs.
func (r *Reprojector) Reproject(b NativeBounds) (GeographicBounds, error) {
	if b.EPSG == 0 {
		return GeographicBounds{}, fmt.Errorf("%w: missing spatial reference", ErrUnprojectableBounds)
	}

	if b.EPSG == canonicalEPSG {
		// Model space of a geographic raster is already longitude/latitude.
		return sortedGeographicBounds(
			[]float64{b.Bottom, b.Top, b.Bottom, b.Top},
			[]float64{b.Left, b.Left, b.Right, b.Right},
		)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	pj, err := r.pj(b.EPSG)
	if err != nil {
		return GeographicBounds{}, err
	}

	corners := [][]float64{
		{b.Left, b.Bottom},
		{b.Left, b.Top},
		{b.Right, b.Bottom},
		{b.Right, b.Top},
	}
	if err := pj.ForwardFloat64Slices(corners); err != nil {
		return GeographicBounds{}, fmt.Errorf("%w: epsg:%d: %w", ErrUnprojectableBounds, b.EPSG, err)
	}

	// EPSG:4326 in authority order is latitude first.
	lats := make([]float64, len(corners))
	lons := make([]float64, len(corners))
	for i, corner := range corners {
		lats[i] = corner[0]
		lons[i] = corner[1]
	}
	return sortedGeographicBounds(lats, lons)
}

// pj returns the cached transformation from epsg to the canonical reference,
// creating it on first use. The caller must hold r.mutex.
func (r *Reprojector) pj(epsg int) (*proj.PJ, error) {
	if pj, ok := r.pjs[epsg]; ok {
		return pj, nil
	}
	pj, err := proj.NewCRSToCRS(fmt.Sprintf("epsg:%d", epsg), fmt.Sprintf("epsg:%d", canonicalEPSG), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: epsg:%d: %w", ErrUnprojectableBounds, epsg, err)
	}
	r.pjs[epsg] = pj
	return pj, nil
}

// sortedGeographicBounds builds bounds from transformed corner coordinates,
// rejecting non-finite or out-of-range values.
func sortedGeographicBounds(lats, lons []float64) (GeographicBounds, error) {
	bounds := GeographicBounds{
		LatMin: math.Inf(1),
		LatMax: math.Inf(-1),
		LonMin: math.Inf(1),
		LonMax: math.Inf(-1),
	}
	for i := range lats {
		bounds.LatMin = math.Min(bounds.LatMin, lats[i])
		bounds.LatMax = math.Max(bounds.LatMax, lats[i])
		bounds.LonMin = math.Min(bounds.LonMin, lons[i])
		bounds.LonMax = math.Max(bounds.LonMax, lons[i])
	}
	if bounds.LatMin < -90 || bounds.LatMax > 90 || bounds.LonMin < -180 || bounds.LonMax > 180 ||
		math.IsNaN(bounds.LatMin) || math.IsNaN(bounds.LatMax) || math.IsNaN(bounds.LonMin) || math.IsNaN(bounds.LonMax) {
		return GeographicBounds{}, fmt.Errorf("%w: transformed bounds out of range", ErrUnprojectableBounds)
	}
	return bounds, nil
}
