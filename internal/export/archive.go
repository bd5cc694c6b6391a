package export

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
)

// archiveModTime is stamped on every entry so the same tree always packs
// to the same bytes.
var archiveModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// WriteArchive zips the tree under root into w. Entries are written in
// lexical order, directories included, with paths relative to root.
func WriteArchive(root string, w io.Writer) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			hdr := &zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: archiveModTime}
			hdr.SetMode(fs.ModeDir | 0o755)
			_, err := zw.CreateHeader(hdr)
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: archiveModTime}
		hdr.SetMode(0o644)
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(entry, f); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// writeArchiveFile packs root into dst through a temporary file in the
// same directory, so dst is either complete or untouched.
func writeArchiveFile(root, dst string) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".labelport-*.zip.tmp")
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := WriteArchive(root, tmp); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, fmt.Errorf("move archive into place: %w", err)
	}
	return info.Size(), nil
}
