// Package patchview serves georeferenced RGB tiles rendered from a local
// collection of multispectral satellite imagery patches, and locates the
// patch nearest to an arbitrary geographic coordinate.
package patchview

import "errors"

var (
	ErrNotFound            = errors.New("patch not found")
	ErrNoBounds            = errors.New("no bounds available")
	ErrEmptyIndex          = errors.New("location index is empty")
	ErrInvalidCoordinate   = errors.New("invalid coordinate")
	ErrUnprojectableBounds = errors.New("unprojectable bounds")
)

// GeographicBounds is a rectangle in EPSG:4326 latitude/longitude degrees.
// It is always derived by reprojecting a native rectangle and satisfies
// LatMin <= LatMax and LonMin <= LonMax.
type GeographicBounds struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Center returns the midpoint of b.
func (b GeographicBounds) Center() (lat, lon float64) {
	return (b.LatMin + b.LatMax) / 2, (b.LonMin + b.LonMax) / 2
}

// NativeBounds is a rectangle in a raster's native spatial reference,
// identified by its EPSG code.
type NativeBounds struct {
	Left   float64
	Bottom float64
	Right  float64
	Top    float64
	EPSG   int
}

// A Capture is one timestamped raster acquisition belonging to a patch.
type Capture struct {
	Name   string `json:"name"`
	Season string `json:"season"`
}

// PatchBounds is a patch's geographic footprint together with its center.
type PatchBounds struct {
	GeographicBounds
	CenterLat float64 `json:"center_lat"`
	CenterLon float64 `json:"center_lon"`
}

// PatchMetadata describes one patch: its captures in storage order and the
// footprint of its first readable capture. Bounds is nil when no capture's
// raster metadata is readable.
type PatchMetadata struct {
	PatchID  string       `json:"sample_id"`
	Captures []Capture    `json:"timestamps"`
	Bounds   *PatchBounds `json:"bounds"`
}

// A Raster is a decoded multi-band raster: per-band row-major pixel buffers
// plus the raster's native bounds.
type Raster struct {
	Width  int
	Height int
	Bands  [][]float64
	Bounds NativeBounds
}

// RasterMetadata describes a raster without its pixel data.
type RasterMetadata struct {
	Width     int
	Height    int
	BandCount int
	Bounds    NativeBounds
}

// A RasterReader reads rasters from backing storage. ReadMetadata must not
// decode pixel data.
type RasterReader interface {
	ReadMetadata(path string) (*RasterMetadata, error)
	Read(path string) (*Raster, error)
}

// A BoundsReprojector converts native bounds into canonical geographic
// bounds. Implementations must return an error wrapping
// [ErrUnprojectableBounds] rather than an out-of-range result.
type BoundsReprojector interface {
	Reproject(NativeBounds) (GeographicBounds, error)
}
