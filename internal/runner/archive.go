package runner

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Archive packs the snapshot directory src into dst as a tar stream
// through the codec. Entries are stored relative to src's parent so the
// archive extracts into a directory named after the snapshot. progress
// receives (done, total) file counts. On failure dst is removed.
func (t *Tools) Archive(ctx context.Context, src, dst string, progress func(done, total int)) (size int64, err error) {
	total, err := CountFiles(src, nil)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %q: %w", filepath.Dir(dst), err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", dst, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(dst)
		}
	}()

	zw, err := t.Codec.NewWriter(f)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(zw)

	t.Logger.Info("archive started", "source", src, "path", dst, "files", total)
	start := time.Now()
	base := filepath.Dir(filepath.Clean(src))
	var done int
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if err := addEntry(tw, path, filepath.ToSlash(rel), d); err != nil {
			return err
		}
		if d.Type().IsRegular() {
			done++
			if progress != nil {
				progress(done, total)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive %q: %w", src, err)
	}
	if err = tw.Close(); err != nil {
		return 0, fmt.Errorf("finish tar: %w", err)
	}
	if err = zw.Close(); err != nil {
		return 0, fmt.Errorf("finish compression: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	t.Logger.Info("archive completed",
		"path", dst,
		"size", info.Size(),
		"duration", time.Since(start).String(),
	)
	return info.Size(), nil
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}
