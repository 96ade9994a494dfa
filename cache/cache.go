// Package cache implements spec.md §4.3's two-tier, content-addressed,
// at-most-one-build-per-fingerprint on-disk cache.
package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/ocibuild/ocibuild/blob"
	"github.com/ocibuild/ocibuild/errs"
)

// Cache is one tier (either base-image-layers or application-layers, per
// spec.md §4.3's split) rooted at Dir.
type Cache struct {
	Dir string

	// group deduplicates concurrent in-process builds of the same
	// selector, i.e. spec.md's "at-most-one concurrent build per
	// fingerprint", using golang.org/x/sync/singleflight rather than a
	// hand-rolled fingerprint-keyed mutex map.
	group singleflight.Group
}

// New opens (lazily creating) a cache rooted at dir.
func New(dir string) *Cache {
	return &Cache{Dir: dir}
}

func (c *Cache) layerDir(blobDigest digest.Digest) string {
	return filepath.Join(c.Dir, "layers", blobDigest.Encoded())
}

func (c *Cache) selectorPath(selector digest.Digest) string {
	return filepath.Join(c.Dir, "selectors", selector.Encoded())
}

func (c *Cache) tempPath() string {
	return filepath.Join(c.Dir, "temp", uuid.NewString())
}

// Entry is spec.md §3's "Cache entry": everything needed to reuse a
// previously-built or previously-pulled layer.
type Entry struct {
	BlobDigest digest.Digest
	DiffID     digest.Digest
	Size       int64
	Path       string // on-disk location of the compressed layer file
}

func (c *Cache) ensureDirs() error {
	for _, d := range []string{"layers", "selectors", "temp"} {
		if err := os.MkdirAll(filepath.Join(c.Dir, d), 0o755); err != nil {
			return errors.Wrapf(err, "creating cache directory %s", d)
		}
	}
	return nil
}

// Lookup implements the read path: look up layers/<digest>/, failing
// Corrupted if the directory exists but the layer file is absent or
// ambiguous.
func (c *Cache) Lookup(blobDigest digest.Digest, diffID digest.Digest) (Entry, bool, error) {
	dir := c.layerDir(blobDigest)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "statting %s", dir)
	}
	if !info.IsDir() {
		return Entry{}, false, errs.New(errs.KindCacheCorrupted, "reading cache entry", errors.Errorf("%s is not a directory", dir))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "reading cache directory")
	}

	var layerFiles []string
	for _, e := range entries {
		if e.Name() == "metadata" {
			continue
		}
		layerFiles = append(layerFiles, e.Name())
	}
	switch len(layerFiles) {
	case 0:
		return Entry{}, false, errs.New(errs.KindCacheCorrupted, "reading cache entry", errors.Errorf("%s has no layer file", dir))
	case 1:
		size, err := fileSize(filepath.Join(dir, layerFiles[0]))
		if err != nil {
			return Entry{}, false, err
		}
		return Entry{
			BlobDigest: blobDigest,
			DiffID:     diffID,
			Size:       size,
			Path:       filepath.Join(dir, layerFiles[0]),
		}, true, nil
	default:
		return Entry{}, false, errs.New(errs.KindCacheCorrupted, "reading cache entry", errors.Errorf("%s has multiple layer files: %v", dir, layerFiles))
	}
}

func fileSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, errors.Wrapf(err, "statting %s", p)
	}
	return info.Size(), nil
}

// LookupSelector resolves a previously built layer by its source
// fingerprint, without re-tarring, per spec.md §3.
func (c *Cache) LookupSelector(selector digest.Digest) (digest.Digest, bool, error) {
	data, err := os.ReadFile(c.selectorPath(selector))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading selector entry")
	}
	d, err := digest.Parse(string(data))
	if err != nil {
		return "", false, errs.New(errs.KindCacheCorrupted, "parsing selector entry", err)
	}
	return d, true, nil
}

// commit atomically renames a completed temp file into layers/<digest>/ and
// records the digest. It is the single commit point for both write paths
// (spec.md §4.3: "Rename is the commit point"). The destination file is
// named after diffID per spec.md §3/§6's on-disk cache layout, so the
// diffID is recoverable from the filename alone on a cold lookup.
func (c *Cache) commit(tempPath string, blobDigest digest.Digest, diffID digest.Digest) (string, error) {
	dir := c.layerDir(blobDigest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating layer directory")
	}
	dest := filepath.Join(dir, diffID.Encoded())
	if err := os.Rename(tempPath, dest); err != nil {
		return "", errors.Wrap(err, "committing layer")
	}
	return dest, nil
}

// WriteSelector records that selector resolves to blobDigest, the final
// step of the local-build write path.
func (c *Cache) WriteSelector(selector digest.Digest, blobDigest digest.Digest) error {
	if err := os.MkdirAll(filepath.Dir(c.selectorPath(selector)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.selectorPath(selector), []byte(blobDigest.String()), 0o644)
}

// BuildOrReuse implements the local-build write path of spec.md §4.3: under
// a per-selector guard, check the selector index; if present, return the
// referenced entry; otherwise call build to produce the layer, commit it,
// and record the selector.
func (c *Cache) BuildOrReuse(ctx context.Context, selector digest.Digest, build func(ctx context.Context, w io.Writer) (blob.Descriptor, digest.Digest, error)) (Entry, error) {
	if err := c.ensureDirs(); err != nil {
		return Entry{}, err
	}

	if existingBlob, ok, err := c.LookupSelector(selector); err != nil {
		return Entry{}, err
	} else if ok {
		if entry, ok, err := c.lookupByBlob(existingBlob); err != nil {
			return Entry{}, err
		} else if ok {
			return entry, nil
		}
		// selector pointed at a digest with no surviving layer file: fall
		// through and rebuild rather than auto-repairing (spec.md §4.3:
		// "the cache is never auto-repaired").
	}

	v, err, _ := c.group.Do(selector.String(), func() (interface{}, error) {
		// Re-check under the guard: another goroutine may have committed
		// while we waited.
		if existingBlob, ok, err := c.LookupSelector(selector); err == nil && ok {
			if entry, ok, err := c.lookupByBlob(existingBlob); err == nil && ok {
				return entry, nil
			}
		}

		tempPath := c.tempPath()
		f, err := os.Create(tempPath)
		if err != nil {
			return Entry{}, errors.Wrap(err, "creating temp file")
		}
		blobDesc, diffID, buildErr := build(ctx, f)
		closeErr := f.Close()
		if buildErr != nil {
			os.Remove(tempPath)
			return Entry{}, buildErr
		}
		if closeErr != nil {
			os.Remove(tempPath)
			return Entry{}, errors.Wrap(closeErr, "closing temp file")
		}

		dest, err := c.commit(tempPath, blobDesc.Digest, diffID)
		if err != nil {
			os.Remove(tempPath)
			return Entry{}, err
		}
		if err := c.WriteSelector(selector, blobDesc.Digest); err != nil {
			return Entry{}, err
		}
		return Entry{BlobDigest: blobDesc.Digest, DiffID: diffID, Size: blobDesc.Size, Path: dest}, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// lookupByBlob reads a committed layer directory given only its
// blobDigest (the selector index only stores the blobDigest a selector
// resolved to), recovering the diffID from the layer file's name — per
// spec.md §3/§6, the compressed layer file inside layers/<blobDigest-hex>/
// is named <diffId-hex> exactly, so the diffID never needs to be stored
// anywhere else.
func (c *Cache) lookupByBlob(blobDigest digest.Digest) (Entry, bool, error) {
	dir := c.layerDir(blobDigest)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "reading layer directory")
	}
	for _, e := range entries {
		if e.Name() != "metadata" {
			size, err := fileSize(filepath.Join(dir, e.Name()))
			if err != nil {
				return Entry{}, false, err
			}
			diffID, err := digest.Parse(digest.SHA256.String() + ":" + e.Name())
			if err != nil {
				return Entry{}, false, errs.New(errs.KindCacheCorrupted, "reading cache entry", errors.Wrapf(err, "layer file name %q is not a valid diffID", e.Name()))
			}
			return Entry{BlobDigest: blobDigest, DiffID: diffID, Size: size, Path: filepath.Join(dir, e.Name())}, true, nil
		}
	}
	return Entry{}, false, nil
}

// WritePulled implements the registry-pull write path: stream src into a
// temp file while verifying the advertised digest, failing
// ChecksumMismatch on mismatch, then committing atomically under diffID
// (already known from the base image's config rootfs.diff_ids, since a
// pulled blob is never decompressed to discover it).
func (c *Cache) WritePulled(expected digest.Digest, diffID digest.Digest, src io.Reader) (Entry, error) {
	if err := c.ensureDirs(); err != nil {
		return Entry{}, err
	}
	tempPath := c.tempPath()
	f, err := os.Create(tempPath)
	if err != nil {
		return Entry{}, errors.Wrap(err, "creating temp file")
	}

	desc, err := blob.CopyDigesting(f, src)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tempPath)
		return Entry{}, err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return Entry{}, errors.Wrap(closeErr, "closing temp file")
	}
	if desc.Digest != expected {
		os.Remove(tempPath)
		return Entry{}, errs.New(errs.KindChecksumMismatch, "pulling layer",
			errors.Errorf("expected %s, got %s", expected, desc.Digest))
	}

	dest, err := c.commit(tempPath, expected, diffID)
	if err != nil {
		os.Remove(tempPath)
		return Entry{}, err
	}
	return Entry{BlobDigest: expected, DiffID: diffID, Size: desc.Size, Path: dest}, nil
}

// Scrub deletes orphaned temp files and any layer directory considered
// corrupted (spec.md §3: "reclaimable by a scrub"). This is the only place
// the cache repairs itself, and only ever by deletion, never by inventing
// missing content.
func (c *Cache) Scrub() error {
	tempDir := filepath.Join(c.Dir, "temp")
	entries, err := os.ReadDir(tempDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "reading temp directory")
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(tempDir, e.Name())); err != nil {
			return errors.Wrap(err, "removing orphaned temp file")
		}
	}

	layersDir := filepath.Join(c.Dir, "layers")
	digestDirs, err := os.ReadDir(layersDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "reading layers directory")
	}
	for _, d := range digestDirs {
		files, err := os.ReadDir(filepath.Join(layersDir, d.Name()))
		if err != nil {
			return err
		}
		nonMetadata := 0
		for _, f := range files {
			if f.Name() != "metadata" {
				nonMetadata++
			}
		}
		if nonMetadata != 1 {
			if err := os.RemoveAll(filepath.Join(layersDir, d.Name())); err != nil {
				return errors.Wrap(err, "removing corrupted cache entry")
			}
		}
	}
	return nil
}
