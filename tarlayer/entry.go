// Package tarlayer builds reproducible gzip+tar container layers from
// file-entry sets (spec.md §4.2) and computes their selector fingerprint
// (spec.md §3 "Selector").
package tarlayer

import "time"

// Epoch plus one second is the default modification time for entries and
// synthesized parent directories, per spec.md §3/§4.2.
var DefaultModTime = time.Unix(1, 0).UTC()

const (
	defaultFilePerm = 0o644
	defaultDirPerm  = 0o755
)

// Entry is spec.md §3's "File entry": a tuple of where a local file comes
// from, where it lands in the image, and the metadata the tar header will
// carry. All fields except SourcePath/ExtractionPath are optional and fall
// back to the documented defaults when zero.
type Entry struct {
	// SourcePath is empty for a directory-only entry (no local file backs
	// it); otherwise an absolute or relative local filesystem path.
	SourcePath string
	// ExtractionPath is where the entry lands in the image; always
	// absolute Unix-style, e.g. "/app/classes/Main.class".
	ExtractionPath string
	IsDir          bool
	// Permissions, octal (e.g. 0o644). Zero means "use the default for
	// the entry's type".
	Permissions      int64
	ModificationTime time.Time
	// Ownership is "uid:gid", empty meaning unset (root:root on extraction).
	Ownership string
	// Size and SourceModTime back the selector fingerprint (spec.md §3);
	// populated by the caller from os.Stat at plan-construction time.
	Size           int64
	SourceModTime  time.Time
}

// WithDefaults fills in the documented defaults for zero fields.
func (e Entry) WithDefaults() Entry {
	if e.Permissions == 0 {
		if e.IsDir {
			e.Permissions = defaultDirPerm
		} else {
			e.Permissions = defaultFilePerm
		}
	}
	if e.ModificationTime.IsZero() {
		e.ModificationTime = DefaultModTime
	}
	return e
}

// Layer is spec.md §3's "Layer (unwritten)": a finite ordered sequence of
// file entries plus an optional name.
type Layer struct {
	Name    string
	Entries []Entry
}
