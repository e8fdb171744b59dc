// Package backup archives the persisted documents into a zstd-compressed
// tarball and restores them. Each document is stored as "<key>.json".
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	filePrefix = "clawreform-"
	fileSuffix = ".tar.zst"
	entryExt   = ".json"

	// maxEntrySize guards restores against archives that are not ours.
	maxEntrySize = 64 << 20
)

// Source reads and writes raw documents by key. store.Store satisfies it.
type Source interface {
	LoadRaw(ctx context.Context, key string) ([]byte, error)
	SaveRaw(ctx context.Context, key string, data []byte) error
}

// Write archives docs into w. Keys are written in sorted order.
func Write(w io.Writer, docs map[string][]byte, modTime time.Time) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		data := docs[k]
		hdr := &tar.Header{
			Name:     k + entryExt,
			Mode:     0o600,
			Size:     int64(len(data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write tar data: %w", err)
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// Read extracts every document from an archive written by Write. Entries
// that are not regular "<key>.json" files are skipped.
func Read(r io.Reader) (map[string][]byte, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	docs := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		key, ok := entryKey(hdr)
		if !ok {
			continue
		}
		if hdr.Size > maxEntrySize {
			return nil, fmt.Errorf("entry %s too large: %d bytes", hdr.Name, hdr.Size)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		docs[key] = data
	}
	return docs, nil
}

func entryKey(hdr *tar.Header) (string, bool) {
	if hdr.Typeflag != tar.TypeReg {
		return "", false
	}
	name := strings.TrimLeft(hdr.Name, "./")
	if strings.Contains(name, "/") || !strings.HasSuffix(name, entryExt) {
		return "", false
	}
	key := strings.TrimSuffix(name, entryExt)
	return key, key != ""
}

// Dump reads keys from src. Missing keys are left out.
func Dump(ctx context.Context, src Source, keys []string) (map[string][]byte, error) {
	docs := make(map[string][]byte, len(keys))
	for _, k := range keys {
		data, err := src.LoadRaw(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		if data != nil {
			docs[k] = data
		}
	}
	return docs, nil
}

// Restore writes docs back into dst, limited to keys when keys is non-empty.
// It returns the restored keys in sorted order.
func Restore(ctx context.Context, dst Source, docs map[string][]byte, keys []string) ([]string, error) {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	var restored []string
	for k, data := range docs {
		if len(keys) > 0 && !allowed[k] {
			slog.Warn("skipping unknown archive entry", "key", k)
			continue
		}
		if err := dst.SaveRaw(ctx, k, data); err != nil {
			return restored, fmt.Errorf("save %s: %w", k, err)
		}
		restored = append(restored, k)
	}
	sort.Strings(restored)
	return restored, nil
}

// Job writes timestamped archives into Dir and keeps the newest Keep of
// them.
type Job struct {
	Dir  string
	Keep int
	Src  Source
	Keys []string
	Now  func() time.Time
}

// Run writes one archive and prunes old ones. It returns the archive path.
func (j *Job) Run(ctx context.Context) (string, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	docs, err := Dump(ctx, j.Src, j.Keys)
	if err != nil {
		return "", err
	}

	ts := now().UTC()
	path := filepath.Join(j.Dir, FileName(ts))
	if err := WriteFile(path, docs, ts); err != nil {
		return "", err
	}

	removed, err := Prune(j.Dir, j.Keep)
	if err != nil {
		slog.Warn("prune backups failed", "dir", j.Dir, "error", err)
	}
	info, _ := os.Stat(path)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	slog.Info("backup written", "path", path, "documents", len(docs), "size", FormatSize(size), "pruned", removed)
	return path, nil
}

// FileName is the archive name for a backup taken at ts.
func FileName(ts time.Time) string {
	return filePrefix + ts.UTC().Format("20060102-150405") + fileSuffix
}

// WriteFile archives docs into path atomically.
func WriteFile(path string, docs map[string][]byte, modTime time.Time) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, docs, modTime); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func ReadFile(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Prune deletes all but the newest keep archives in dir. Names sort by
// timestamp, so lexical order is age order.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	sort.Strings(names)

	removed := 0
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
