package tarlayer

import (
	"encoding/json"
	"sort"

	digest "github.com/opencontainers/go-digest"
)

// selectorEntry is the canonical serialization shape for one file entry's
// contribution to a selector (spec.md §3: "paths, perms, modTimes,
// ownership, and last-modified of each source file"). Field order is fixed
// by the struct tags so json.Marshal is deterministic across Go versions.
type selectorEntry struct {
	ExtractionPath string `json:"path"`
	Permissions    int64  `json:"perm"`
	ModTime        int64  `json:"mtime"`
	Ownership      string `json:"own"`
	SourceModTime  int64  `json:"srcmtime"`
	Size           int64  `json:"size"`
}

// Selector computes spec.md §3's source fingerprint: a SHA-256 over a
// canonical serialization of the entry set, observed at build start. Per
// the resolved Open Question in spec.md Design Notes, it is a pure
// function of the entries passed in — callers must snapshot
// SourceModTime/Size themselves (e.g. via os.Stat) before calling Selector,
// since this function never touches the filesystem and never re-derives
// freshness later.
func Selector(name string, entries []Entry) digest.Digest {
	canon := make([]selectorEntry, 0, len(entries))
	for _, e := range entries {
		e = e.WithDefaults()
		canon = append(canon, selectorEntry{
			ExtractionPath: e.ExtractionPath,
			Permissions:    e.Permissions,
			ModTime:        e.ModificationTime.UnixNano(),
			Ownership:      e.Ownership,
			SourceModTime:  e.SourceModTime.UnixNano(),
			Size:           e.Size,
		})
	}
	sort.Slice(canon, func(i, j int) bool { return canon[i].ExtractionPath < canon[j].ExtractionPath })

	buf, _ := json.Marshal(struct {
		Name    string          `json:"name"`
		Entries []selectorEntry `json:"entries"`
	}{Name: name, Entries: canon})

	return digest.FromBytes(buf)
}
