package cache

import "path/filepath"

// TwoTier is spec.md §4.3's split cache: base layers are shareable across
// projects, application layers are per-project.
type TwoTier struct {
	BaseImageLayers   *Cache
	ApplicationLayers *Cache
}

// Open roots a TwoTier cache at root, creating base-image-layers/ and
// application-layers/ as siblings.
func Open(root string) *TwoTier {
	return &TwoTier{
		BaseImageLayers:   New(filepath.Join(root, "base-image-layers")),
		ApplicationLayers: New(filepath.Join(root, "application-layers")),
	}
}

// Scrub reclaims orphaned temp files and corrupted entries in both tiers.
func (t *TwoTier) Scrub() error {
	if err := t.BaseImageLayers.Scrub(); err != nil {
		return err
	}
	return t.ApplicationLayers.Scrub()
}
