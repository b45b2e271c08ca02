package patchview

import (
	"math"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestReprojectIdentity(t *testing.T) {
	reproj := NewReprojector()
	bounds, err := reproj.Reproject(NativeBounds{
		Left:   8.5,
		Bottom: 47.3,
		Right:  8.6,
		Top:    47.4,
		EPSG:   4326,
	})
	assert.NoError(t, err)
	assert.Equal(t, GeographicBounds{LatMin: 47.3, LatMax: 47.4, LonMin: 8.5, LonMax: 8.6}, bounds)
}

func TestReprojectIdentityResortsExtrema(t *testing.T) {
	// A source rectangle with inverted edges still comes out min <= max.
	reproj := NewReprojector()
	bounds, err := reproj.Reproject(NativeBounds{
		Left:   8.6,
		Bottom: 47.4,
		Right:  8.5,
		Top:    47.3,
		EPSG:   4326,
	})
	assert.NoError(t, err)
	assert.Equal(t, GeographicBounds{LatMin: 47.3, LatMax: 47.4, LonMin: 8.5, LonMax: 8.6}, bounds)
}

func TestReprojectMissingReference(t *testing.T) {
	reproj := NewReprojector()
	_, err := reproj.Reproject(NativeBounds{Left: 0, Bottom: 0, Right: 1, Top: 1})
	assert.IsError(t, err, ErrUnprojectableBounds)
}

func TestReprojectOutOfRange(t *testing.T) {
	_, err := sortedGeographicBounds([]float64{-91, 0}, []float64{0, 0})
	assert.IsError(t, err, ErrUnprojectableBounds)

	_, err = sortedGeographicBounds([]float64{0, 0}, []float64{181, 0})
	assert.IsError(t, err, ErrUnprojectableBounds)

	_, err = sortedGeographicBounds([]float64{math.NaN(), 0}, []float64{0, 0})
	assert.IsError(t, err, ErrUnprojectableBounds)
}

func TestReprojectUTM(t *testing.T) {
	// UTM zone 33N: easting 500000 lies on the 15 degree meridian, northing 0
	// on the equator.
	reproj := NewReprojector()
	bounds, err := reproj.Reproject(NativeBounds{
		Left:   499000,
		Bottom: 0,
		Right:  501000,
		Top:    2000,
		EPSG:   32633,
	})
	assert.NoError(t, err)
	assert.True(t, bounds.LatMin <= bounds.LatMax)
	assert.True(t, bounds.LonMin <= bounds.LonMax)
	assert.True(t, bounds.LonMin < 15 && 15 < bounds.LonMax)
	assert.True(t, math.Abs(bounds.LatMin) < 1e-6)
	assert.True(t, bounds.LatMax > 0.01 && bounds.LatMax < 0.03)
}

func TestReprojectCachesTransforms(t *testing.T) {
	reproj := NewReprojector()
	first, err := reproj.Reproject(NativeBounds{Left: 499000, Bottom: 0, Right: 501000, Top: 2000, EPSG: 32633})
	assert.NoError(t, err)
	second, err := reproj.Reproject(NativeBounds{Left: 499000, Bottom: 0, Right: 501000, Top: 2000, EPSG: 32633})
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, len(reproj.pjs))
}
