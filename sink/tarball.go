package sink

import (
	"archive/tar"
	"context"
	"encoding/json"
	"os"

	"github.com/ocibuild/ocibuild/errs"
)

// Tarball writes a `docker save`-compatible tar at Path, per spec.md §4.8:
// config first, then layers, then manifest.json.
type Tarball struct {
	Path string
}

type dockerSaveManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

func (s Tarball) Save(ctx context.Context, img Assembled) error {
	f, err := os.Create(s.Path)
	if err != nil {
		return errs.New(errs.KindCacheCorrupted, "creating tarball "+s.Path, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	configName := img.ConfigDigest.Digest.Encoded() + ".json"
	if err := writeTarEntry(tw, configName, img.ConfigJSON); err != nil {
		return err
	}

	var layerNames []string
	for _, l := range img.Layers {
		name := l.Descriptor.Digest.Encoded() + ".tar.gz"
		layerNames = append(layerNames, name)
		if err := writeTarFile(tw, name, l.BlobPath); err != nil {
			return err
		}
	}

	manifest := []dockerSaveManifestEntry{{
		Config:   configName,
		RepoTags: tagsOrDefault(img.Tags),
		Layers:   layerNames,
	}}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return errs.New(errs.KindRegistryProtocol, "encoding manifest.json", err)
	}
	return writeTarEntry(tw, "manifest.json", manifestJSON)
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
		return errs.New(errs.KindCacheCorrupted, "writing tar header for "+name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return errs.New(errs.KindCacheCorrupted, "writing tar entry "+name, err)
	}
	return nil
}

func writeTarFile(tw *tar.Writer, name, srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errs.New(errs.KindCacheCorrupted, "reading cached layer "+srcPath, err)
	}
	return writeTarEntry(tw, name, data)
}
