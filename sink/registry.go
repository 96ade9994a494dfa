package sink

import (
	"context"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocibuild/ocibuild/blob"
	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/registry"
)

// Registry pushes an Assembled image to one repository on one registry,
// per spec.md §4.8: layers in any order, then config, then the manifest
// PUT last as the commit point.
type Registry struct {
	Client *registry.Client
	Repo   string
}

func (s Registry) Save(ctx context.Context, img Assembled) error {
	for _, l := range img.Layers {
		if err := s.pushLayer(ctx, l); err != nil {
			return err
		}
	}

	if _, err := s.Client.PushBlob(ctx, s.Repo, blob.FromBytes{Data: img.ConfigJSON}, int64(len(img.ConfigJSON))); err != nil {
		return err
	}

	for _, tag := range tagsOrDefault(img.Tags) {
		if err := s.Client.PutManifest(ctx, s.Repo, tag, img.Format.ManifestMediaType(), img.ManifestJSON); err != nil {
			return err
		}
	}
	return nil
}

// pushLayer implements spec.md §4.7's PushLayerS: HEAD, else mount, else
// upload.
func (s Registry) pushLayer(ctx context.Context, l Layer) error {
	present, err := s.Client.HasBlob(ctx, s.Repo, l.Descriptor.Digest)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	if l.SourceRepo != "" && l.SourceRepo != s.Repo {
		mounted, err := s.Client.MountBlob(ctx, s.Repo, l.Descriptor.Digest, l.SourceRepo)
		if err != nil {
			return err
		}
		if mounted {
			return nil
		}
	}

	if _, err := os.Stat(l.BlobPath); err != nil {
		return errs.New(errs.KindCacheCorrupted, "reading cached layer "+l.Descriptor.Digest.String(), err)
	}

	_, err = s.Client.PushBlob(ctx, s.Repo, blob.FromFile{Path: l.BlobPath}, l.Descriptor.Size)
	return err
}

// SaveList implements SPEC_FULL.md §11.1's manifest-list production: push
// every platform's layers, config, and manifest under its own digest (not
// the caller's tag, so an earlier platform's push can't clobber a later
// one's), then PUT the index/list itself under the requested tags as the
// single commit point a client actually pulls.
func (s Registry) SaveList(ctx context.Context, platforms []Assembled, list imagemodel.List, tags []string) error {
	for _, img := range platforms {
		for _, l := range img.Layers {
			if err := s.pushLayer(ctx, l); err != nil {
				return err
			}
		}
		if _, err := s.Client.PushBlob(ctx, s.Repo, blob.FromBytes{Data: img.ConfigJSON}, int64(len(img.ConfigJSON))); err != nil {
			return err
		}
		manifestDigest := digest.FromBytes(img.ManifestJSON)
		if err := s.Client.PutManifest(ctx, s.Repo, manifestDigest.String(), img.Format.ManifestMediaType(), img.ManifestJSON); err != nil {
			return err
		}
	}

	listJSON, err := list.MarshalCanonical()
	if err != nil {
		return errs.New(errs.KindRegistryProtocol, "encoding manifest list", err)
	}
	for _, tag := range tagsOrDefault(tags) {
		if err := s.Client.PutManifest(ctx, s.Repo, tag, list.MediaType, listJSON); err != nil {
			return err
		}
	}
	return nil
}

func tagsOrDefault(tags []string) []string {
	if len(tags) == 0 {
		return []string{"latest"}
	}
	return tags
}
