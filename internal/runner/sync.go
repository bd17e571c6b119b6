package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CountFiles returns the number of regular files under root, skipping any
// directory whose name matches one of the exclude patterns.
func CountFiles(root string, excludes []string) (int, error) {
	var n int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && excluded(d.Name(), excludes) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count files in %q: %w", root, err)
	}
	return n, nil
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

var toCheck = regexp.MustCompile(`to-ch(?:ec)?k=(\d+)/(\d+)`)

// syncCounter turns rsync's output into a count of processed files. It
// understands both the per-file lines of --out-format and the
// "to-check=R/T" trailer of --progress.
type syncCounter struct {
	files int
}

// Observe consumes one output line and returns the number of files
// processed so far.
func (s *syncCounter) Observe(line string) int {
	line = strings.TrimSpace(line)
	if m := toCheck.FindStringSubmatch(line); m != nil {
		remaining, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if done := total - remaining; done > s.files {
			s.files = done
		}
		return s.files
	}
	switch {
	case line == "", strings.HasSuffix(line, "/"):
	case strings.HasPrefix(line, "sending "), strings.HasPrefix(line, "sent "),
		strings.HasPrefix(line, "total size"), strings.HasPrefix(line, "deleting "),
		strings.HasPrefix(line, "building file list"), strings.HasPrefix(line, "created directory"):
	default:
		s.files++
	}
	return s.files
}

// Sync mirrors src into dst with rsync. When linkDest names a previous
// snapshot, unchanged files are hard-linked against it. progress receives
// the number of files transferred so far.
func (t *Tools) Sync(ctx context.Context, src, dst, linkDest string, excludes []string, progress func(int)) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dst, err)
	}
	args := []string{"-a", "--delete", "--out-format=%n"}
	if linkDest != "" {
		abs, err := filepath.Abs(linkDest)
		if err != nil {
			return fmt.Errorf("resolve link-dest: %w", err)
		}
		args = append(args, "--link-dest="+abs)
	}
	for _, e := range excludes {
		args = append(args, "--exclude="+e)
	}
	args = append(args, strings.TrimSuffix(src, "/")+"/", strings.TrimSuffix(dst, "/")+"/")

	cmd := exec.CommandContext(ctx, t.Rsync, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("rsync stdout: %w", err)
	}

	t.Logger.Info("storage sync started", "source", src, "snapshot", dst, "link_dest", linkDest)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start rsync: %w", err)
	}

	var counter syncCounter
	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanLines)
	for scanner.Scan() {
		n := counter.Observe(scanner.Text())
		if progress != nil {
			progress(n)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("rsync failed: %w", commandError(err, &stderr))
	}
	t.Logger.Info("storage sync completed",
		"snapshot", dst,
		"files", counter.files,
		"duration", time.Since(start).String(),
	)
	return nil
}

// scanLines splits on either \n or \r since --progress rewrites its line
// in place.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// PruneSnapshots removes all but the newest keep snapshot directories in
// dir. Snapshot names are job ids, so lexical order is age order.
func PruneSnapshots(dir string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil, nil
	}
	// ReadDir returns entries sorted by name.
	var removed []string
	for _, name := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("remove snapshot %q: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// LatestSnapshot returns the newest snapshot directory in dir other than
// exclude, or "" when there is none.
func LatestSnapshot(dir, exclude string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if e := entries[i]; e.IsDir() && e.Name() != exclude {
			return filepath.Join(dir, e.Name())
		}
	}
	return ""
}
