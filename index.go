package patchview

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var nearestQueries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "patchview_nearest_queries_total",
	Help: "The total number of served nearest-patch queries",
})

const earthRadiusKm = 6371

// Haversine returns the great-circle distance in kilometers between two
// latitude/longitude points on a sphere of radius 6371 km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// An IndexEntry locates one patch by the geographic center of its footprint.
type IndexEntry struct {
	PatchID string
	Lat     float64
	Lon     float64
}

// A LocationIndex answers nearest-patch queries over patch centers. It is
// immutable once built and safe for any number of concurrent readers.
type LocationIndex struct {
	entries []IndexEntry
}

// NewLocationIndex returns an index over the given entries, which are kept in
// the given order for tie-breaking.
func NewLocationIndex(entries []IndexEntry) *LocationIndex {
	return &LocationIndex{entries: entries}
}

// Len returns the number of indexed patches.
func (ix *LocationIndex) Len() int {
	return len(ix.entries)
}

// Nearest returns the entry whose center minimizes great-circle distance to
// (lat, lon), and that distance in kilometers. Ties go to the entry seen
// first in enumeration order.
func (ix *LocationIndex) Nearest(lat, lon float64) (IndexEntry, float64, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return IndexEntry{}, 0, fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, lat, lon)
	}
	if len(ix.entries) == 0 {
		return IndexEntry{}, 0, ErrEmptyIndex
	}
	nearestQueries.Inc()

	best := 0
	bestDistance := Haversine(lat, lon, ix.entries[0].Lat, ix.entries[0].Lon)
	for i, entry := range ix.entries[1:] {
		if distance := Haversine(lat, lon, entry.Lat, entry.Lon); distance < bestDistance {
			best = i + 1
			bestDistance = distance
		}
	}
	return ix.entries[best], bestDistance, nil
}

// A PatchSource is the catalog surface an index build consumes.
type PatchSource interface {
	PatchIDs() ([]string, error)
	NativeBounds(patchID string) (NativeBounds, error)
}

type indexBuilder struct {
	workers       int
	progressEvery int64
	logger        *zap.Logger
}

// A BuildOption sets an option on an index build.
type BuildOption func(*indexBuilder)

// WithWorkers sets the number of concurrent patch readers.
func WithWorkers(workers int) BuildOption {
	return func(b *indexBuilder) {
		b.workers = workers
	}
}

// WithBuildLogger sets the logger used for progress and per-patch warnings.
func WithBuildLogger(logger *zap.Logger) BuildOption {
	return func(b *indexBuilder) {
		b.logger = logger
	}
}

// WithProgressInterval sets how many patches are processed between progress
// log lines.
func WithProgressInterval(interval int64) BuildOption {
	return func(b *indexBuilder) {
		b.progressEvery = interval
	}
}

// BuildIndex scans every patch in source and indexes the geographic center of
// each patch whose bounds are resolvable. Patches with unresolvable bounds
// are logged as warnings and excluded. If ctx is canceled mid-build no index
// is returned, leaving the caller's previous index intact.
func BuildIndex(ctx context.Context, source PatchSource, reproj BoundsReprojector, options ...BuildOption) (*LocationIndex, error) {
	b := &indexBuilder{
		workers:       20,
		progressEvery: 5000,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		option(b)
	}

	ids, err := source.PatchIDs()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, len(ids))
	resolved := make([]bool, len(ids))
	var processed atomic.Int64
	var warningsMutex sync.Mutex
	warnings := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			defer func() {
				if n := processed.Add(1); n%b.progressEvery == 0 {
					b.logger.Info("indexing patches",
						zap.Int64("processed", n),
						zap.Int("total", len(ids)),
					)
				}
			}()

			nativeBounds, err := source.NativeBounds(id)
			if err == nil {
				var bounds GeographicBounds
				if bounds, err = reproj.Reproject(nativeBounds); err == nil {
					lat, lon := bounds.Center()
					entries[i] = IndexEntry{PatchID: id, Lat: lat, Lon: lon}
					resolved[i] = true
					return nil
				}
			}
			warningsMutex.Lock()
			warnings++
			warningsMutex.Unlock()
			b.logger.Warn("skipping patch",
				zap.String("patch", id),
				zap.Error(err),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	indexed := make([]IndexEntry, 0, len(ids))
	for i, entry := range entries {
		if resolved[i] {
			indexed = append(indexed, entry)
		}
	}
	b.logger.Info("location index built",
		zap.Int("indexed", len(indexed)),
		zap.Int("skipped", warnings),
	)
	return &LocationIndex{entries: indexed}, nil
}

// LoadSnapshot reads a persisted location index: a JSON object mapping each
// patch identifier to [centerLat, centerLon]. Entries are ordered
// lexicographically by patch identifier so that nearest-query tie-breaking
// matches a from-scratch build.
func LoadSnapshot(r io.Reader) (*LocationIndex, error) {
	var centers map[string][2]float64
	if err := json.NewDecoder(r).Decode(&centers); err != nil {
		return nil, fmt.Errorf("decode location index: %w", err)
	}
	ids := make([]string, 0, len(centers))
	for id := range centers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]IndexEntry, len(ids))
	for i, id := range ids {
		entries[i] = IndexEntry{
			PatchID: id,
			Lat:     centers[id][0],
			Lon:     centers[id][1],
		}
	}
	return &LocationIndex{entries: entries}, nil
}

// Snapshot writes ix in the persisted snapshot format. A snapshot round-trips
// exactly: loading it yields the same patch set and coordinates.
func (ix *LocationIndex) Snapshot(w io.Writer) error {
	centers := make(map[string][2]float64, len(ix.entries))
	for _, entry := range ix.entries {
		centers[entry.PatchID] = [2]float64{entry.Lat, entry.Lon}
	}
	if err := json.NewEncoder(w).Encode(centers); err != nil {
		return fmt.Errorf("encode location index: %w", err)
	}
	return nil
}
