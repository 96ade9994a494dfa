package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"github.com/ocibuild/ocibuild"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/tarlayer"
)

// buildFile is the YAML shape a caller hands ocibuild on the command
// line, per spec.md §1's Non-goal carve-out for "YAML build-file parsing":
// this is the thin front-end's own concern, decoded here and nowhere else,
// then mapped onto the library's BuildPlan.
type buildFile struct {
	BaseImage    string            `yaml:"baseImage"`
	Architecture string            `yaml:"architecture"`
	OS           string            `yaml:"os"`
	CreationTime string            `yaml:"creationTime"`
	Format       string            `yaml:"format"`
	Environment  map[string]string `yaml:"environment"`
	Labels       map[string]string `yaml:"labels"`
	Volumes      []string          `yaml:"volumes"`
	ExposedPorts []struct {
		Port     int    `yaml:"port"`
		Protocol string `yaml:"protocol"`
	} `yaml:"exposedPorts"`
	User             string   `yaml:"user"`
	WorkingDirectory string   `yaml:"workingDirectory"`
	Entrypoint       []string `yaml:"entrypoint"`
	Cmd              []string `yaml:"cmd"`
	Tags             []string `yaml:"tags"`
	Layers           []struct {
		Name    string `yaml:"name"`
		Entries []struct {
			SourcePath       string `yaml:"sourcePath"`
			ExtractionPath   string `yaml:"extractionPath"`
			IsDir            bool   `yaml:"isDir"`
			Permissions      string `yaml:"permissions"` // octal, e.g. "644"
			ModificationTime string `yaml:"modificationTime"`
			Ownership        string `yaml:"ownership"`
		} `yaml:"entries"`
	} `yaml:"layers"`
}

func loadBuildFile(path string) (ocibuild.BuildPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ocibuild.BuildPlan{}, errors.Wrapf(err, "reading build file %s", path)
	}
	var bf buildFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return ocibuild.BuildPlan{}, errors.Wrapf(err, "parsing build file %s", path)
	}
	return bf.toPlan()
}

func (bf buildFile) toPlan() (ocibuild.BuildPlan, error) {
	plan := ocibuild.BuildPlan{
		BaseImage:        bf.BaseImage,
		Architecture:     bf.Architecture,
		OS:               bf.OS,
		Environment:      bf.Environment,
		Labels:           bf.Labels,
		Entrypoint:       bf.Entrypoint,
		Cmd:              bf.Cmd,
		Tags:             bf.Tags,
		WorkingDirectory: stringPtrOrNil(bf.WorkingDirectory),
		User:             stringPtrOrNil(bf.User),
	}

	if bf.Format != "" {
		plan.Format = imagemodel.Format(bf.Format)
		if !strings.EqualFold(bf.Format, "oci") {
			plan.Format = imagemodel.FormatDocker
		} else {
			plan.Format = imagemodel.FormatOCI
		}
	}

	if bf.CreationTime != "" {
		t, err := time.Parse(time.RFC3339, bf.CreationTime)
		if err != nil {
			return ocibuild.BuildPlan{}, errors.Wrapf(err, "parsing creationTime %q", bf.CreationTime)
		}
		plan.CreationTime = t
	}

	if len(bf.Volumes) > 0 {
		plan.Volumes = map[string]struct{}{}
		for _, v := range bf.Volumes {
			plan.Volumes[v] = struct{}{}
		}
	}

	for _, p := range bf.ExposedPorts {
		plan.ExposedPorts = append(plan.ExposedPorts, ocibuild.ExposedPort{Port: p.Port, Protocol: p.Protocol})
	}

	for _, l := range bf.Layers {
		layer := tarlayer.Layer{Name: l.Name}
		for _, e := range l.Entries {
			entry := tarlayer.Entry{
				SourcePath:     e.SourcePath,
				ExtractionPath: e.ExtractionPath,
				IsDir:          e.IsDir,
				Ownership:      e.Ownership,
			}
			if e.Permissions != "" {
				perm, err := strconv.ParseInt(e.Permissions, 8, 32)
				if err != nil {
					return ocibuild.BuildPlan{}, errors.Wrapf(err, "parsing permissions %q", e.Permissions)
				}
				entry.Permissions = perm
			}
			if e.ModificationTime != "" {
				t, err := time.Parse(time.RFC3339, e.ModificationTime)
				if err != nil {
					return ocibuild.BuildPlan{}, errors.Wrapf(err, "parsing modificationTime %q", e.ModificationTime)
				}
				entry.ModificationTime = t
			}
			if !e.IsDir && entry.SourcePath != "" {
				if info, err := os.Stat(entry.SourcePath); err == nil {
					entry.Size = info.Size()
					entry.SourceModTime = info.ModTime()
				}
			}
			layer.Entries = append(layer.Entries, entry)
		}
		plan.Layers = append(plan.Layers, layer)
	}

	return plan, nil
}

func stringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
