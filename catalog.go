package patchview

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"
)

// DefaultRasterName is the raster filename inside each capture directory.
const DefaultRasterName = "all_bands.tif"

// A Catalog enumerates the patches of one dataset split rooted at an fs.FS.
// The expected layout is <patchID>/<captureName>/<rasterName>, where each
// capture name ends in a YYYYMMDD date. The catalog is read-only and assumes
// the directory structure does not change during the process's lifetime.
type Catalog struct {
	fsys       fs.FS
	reader     RasterReader
	reproj     BoundsReprojector
	rasterName string

	patchIDsOnce sync.Once
	patchIDs     []string
	patchIDsErr  error
}

// A CatalogOption sets an option on a Catalog.
type CatalogOption func(*Catalog)

// WithRasterName overrides the raster filename looked for inside capture
// directories.
func WithRasterName(rasterName string) CatalogOption {
	return func(c *Catalog) {
		c.rasterName = rasterName
	}
}

// NewCatalog returns a new Catalog over fsys.
func NewCatalog(fsys fs.FS, reader RasterReader, reproj BoundsReprojector, options ...CatalogOption) *Catalog {
	c := &Catalog{
		fsys:       fsys,
		reader:     reader,
		reproj:     reproj,
		rasterName: DefaultRasterName,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// PatchIDs returns all patch identifiers in lexicographic order. The listing
// is computed once and memoized.
func (c *Catalog) PatchIDs() ([]string, error) {
	c.patchIDsOnce.Do(func() {
		entries, err := fs.ReadDir(c.fsys, ".")
		if err != nil {
			c.patchIDsErr = fmt.Errorf("list patches: %w", err)
			return
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				ids = append(ids, entry.Name())
			}
		}
		sort.Strings(ids)
		c.patchIDs = ids
	})
	return c.patchIDs, c.patchIDsErr
}

// Captures returns patchID's captures ordered by directory name, each
// carrying its derived season label. Capture directories without a raster
// file are skipped.
func (c *Catalog) Captures(patchID string) ([]Capture, error) {
	entries, err := fs.ReadDir(c.fsys, patchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, patchID)
	}
	captures := make([]Capture, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, err := fs.Stat(c.fsys, c.RasterPath(patchID, name)); err != nil {
			continue
		}
		captures = append(captures, Capture{
			Name:   name,
			Season: Season(name),
		})
	}
	return captures, nil
}

// NativeBounds returns the native rectangle and spatial reference of
// patchID's first capture with readable raster metadata. It returns an error
// wrapping [ErrNoBounds] when no capture is readable, and [ErrNotFound] when
// the patch does not exist.
func (c *Catalog) NativeBounds(patchID string) (NativeBounds, error) {
	captures, err := c.Captures(patchID)
	if err != nil {
		return NativeBounds{}, err
	}
	for _, capture := range captures {
		metadata, err := c.reader.ReadMetadata(c.RasterPath(patchID, capture.Name))
		if err != nil {
			continue
		}
		return metadata.Bounds, nil
	}
	return NativeBounds{}, fmt.Errorf("%w: %s", ErrNoBounds, patchID)
}

// Metadata returns patchID's captures and geographic footprint. Bounds is nil
// when no capture's bounds are resolvable; per-capture failures never fail
// the listing.
func (c *Catalog) Metadata(patchID string) (*PatchMetadata, error) {
	captures, err := c.Captures(patchID)
	if err != nil {
		return nil, err
	}
	metadata := &PatchMetadata{
		PatchID:  patchID,
		Captures: captures,
	}
	if nativeBounds, err := c.NativeBounds(patchID); err == nil {
		if bounds, err := c.reproj.Reproject(nativeBounds); err == nil {
			centerLat, centerLon := bounds.Center()
			metadata.Bounds = &PatchBounds{
				GeographicBounds: bounds,
				CenterLat:        centerLat,
				CenterLon:        centerLon,
			}
		}
	}
	return metadata, nil
}

// RasterPath returns the storage location of one capture's raster. It is the
// render cache key for that capture.
func (c *Catalog) RasterPath(patchID, captureName string) string {
	return path.Join(patchID, captureName, c.rasterName)
}
