package tarlayer

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/pkg/errors"
)

// resolved is the final, de-duplicated, default-filled view of one
// extraction path: either explicit (carries SourcePath/real metadata) or
// implicitly synthesized (a parent directory nobody declared).
type resolved struct {
	entry    Entry
	implicit bool
}

// Build writes a USTAR tar archive to w whose bytes depend only on the
// logical entry set, per spec.md §4.2's three determinism rules: sorted
// order, declared (never filesystem) mtimes, and synthesized implicit
// parent directories. Later entries for the same path win over earlier
// ones, and over any implicit directory for that path.
func Build(w io.Writer, entries []Entry) error {
	resolvedByPath := map[string]resolved{}
	var order []string

	addImplicitParents := func(extractionPath string) {
		dir := path.Dir(extractionPath)
		for dir != "/" && dir != "." {
			if _, ok := resolvedByPath[dir]; !ok {
				resolvedByPath[dir] = resolved{
					entry: Entry{
						ExtractionPath:   dir,
						IsDir:            true,
						Permissions:      defaultDirPerm,
						ModificationTime: DefaultModTime,
					},
					implicit: true,
				}
				order = append(order, dir)
			}
			dir = path.Dir(dir)
		}
	}

	for _, raw := range entries {
		e := raw.WithDefaults()
		clean := path.Clean("/" + strings.TrimPrefix(e.ExtractionPath, "/"))
		e.ExtractionPath = clean

		if _, seen := resolvedByPath[clean]; !seen {
			order = append(order, clean)
		}
		// Later explicit entry always wins, including over a prior
		// implicit directory synthesized for the same path.
		resolvedByPath[clean] = resolved{entry: e}

		addImplicitParents(clean)
	}

	sort.Strings(order)

	tw := tar.NewWriter(w)
	for _, p := range order {
		r := resolvedByPath[p]
		if err := writeHeaderAndBody(tw, r.entry); err != nil {
			return errors.Wrapf(err, "writing tar entry %s", p)
		}
	}
	return tw.Close()
}

func writeHeaderAndBody(tw *tar.Writer, e Entry) error {
	typeflag := byte(tar.TypeReg)
	if e.IsDir {
		typeflag = tar.TypeDir
	}

	name := strings.TrimPrefix(e.ExtractionPath, "/")
	if e.IsDir {
		name += "/"
	}

	hdr := &tar.Header{
		Name:     name,
		Typeflag: typeflag,
		Mode:     e.Permissions,
		ModTime:  e.ModificationTime,
		// Uid and Gid are fixed at 0 unless Ownership overrides them, so
		// that every platform's tar reader sees consistent values.
		Uid: 0,
		Gid: 0,
	}

	if uid, gid, ok := parseOwnership(e.Ownership); ok {
		hdr.Uid, hdr.Gid = uid, gid
	}

	if e.IsDir {
		return tw.WriteHeader(hdr)
	}

	f, err := openSource(e.SourcePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr.Size = info.Size()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// openSource resolves SourcePath through filepath-securejoin-style
// boundary checks before opening it, guarding against a source path that
// escapes the intended root via symlinks or ".." components (the tar
// builder trusts extraction paths implicitly but not arbitrary source
// roots supplied by a build-tool front end).
func openSource(p string) (*os.File, error) {
	if p == "" {
		return nil, errors.New("entry has no source path")
	}
	dir, base := path.Split(p)
	if dir == "" {
		return os.Open(p)
	}
	resolved, err := securejoin.SecureJoin(dir, base)
	if err != nil {
		return os.Open(p) // absolute, unrelated paths: fall back to a direct open
	}
	return os.Open(resolved)
}

func parseOwnership(s string) (uid, gid int, ok bool) {
	if s == "" {
		return 0, 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	u, err1 := strconv.Atoi(parts[0])
	g, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return u, g, true
}
