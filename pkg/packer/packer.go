// Package packer bundles a user's downloads folder into an
// uncompressed zip archive, optionally split into raw byte-range parts
// that reassemble by plain concatenation. Heavy work is admitted
// through an external gate so archive builds cannot pile up.
package packer

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filerelay/pkg/storage"
	"filerelay/pkg/types"
	"filerelay/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoFiles is returned when the downloads folder has nothing to pack.
var ErrNoFiles = errors.New("no files to pack")

// BusyError reports a denied admission slot. It signals "retry later",
// not a permanent failure.
type BusyError struct {
	Reason string
}

func (e *BusyError) Error() string {
	return "pack rejected: " + e.Reason
}

// Gate is the admission-control collaborator. ReleaseSlot must be
// called exactly once per granted RequestSlot, and never without a
// grant.
type Gate interface {
	RequestSlot() (granted bool, reason string)
	ReleaseSlot()
}

type Packer struct {
	storage     *storage.Service
	gate        Gate
	maxPartSize int64
	logger      *zap.Logger
}

// New creates a packer. maxPartSize caps the per-part byte size a
// caller may request in split mode.
func New(st *storage.Service, gate Gate, maxPartSize int64, logger *zap.Logger) *Packer {
	return &Packer{
		storage:     st,
		gate:        gate,
		maxPartSize: maxPartSize,
		logger:      logger,
	}
}

// Pack archives every regular file in the user's downloads folder.
// With partSize == 0 it produces one archive; with partSize > 0 the
// archive is split into raw byte slices of at most partSize bytes
// (capped at the configured maximum) plus a plain-text manifest. All
// outputs are registered in the user's packed folder.
func (p *Packer) Pack(user types.UserID, partSize int64) ([]types.PackResult, error) {
	granted, reason := p.gate.RequestSlot()
	if !granted {
		return nil, &BusyError{Reason: reason}
	}
	defer p.gate.ReleaseSlot()

	srcDir, err := p.storage.UserDir(user, types.Downloads)
	if err != nil {
		return nil, err
	}
	packedDir, err := p.storage.UserDir(user, types.Packed)
	if err != nil {
		return nil, err
	}

	files, err := sourceFiles(srcDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	base := "pack_" + time.Now().Format("20060102_150405")

	p.logger.Info("Packing files",
		zap.Int64("user", int64(user)),
		zap.Int("files", len(files)),
		zap.Int64("part_size", partSize))

	if partSize <= 0 {
		return p.packSingle(user, srcDir, packedDir, base, files)
	}
	if partSize > p.maxPartSize {
		partSize = p.maxPartSize
	}
	return p.packSplit(user, srcDir, packedDir, base, files, partSize)
}

func (p *Packer) packSingle(user types.UserID, srcDir, packedDir, base string, files []string) ([]types.PackResult, error) {
	name := storage.UniqueStoredName(packedDir, base+".zip")
	dst := filepath.Join(packedDir, name)

	size, err := buildArchive(srcDir, files, dst)
	if err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("failed to build archive: %w", err)
	}

	if _, err := p.storage.RegisterFile(user, name, name, types.Packed); err != nil {
		os.Remove(dst)
		return nil, err
	}

	return []types.PackResult{{
		Filename:         name,
		URL:              p.storage.FileURL(user, types.Packed, name),
		SizeMB:           toMB(size),
		TotalSourceFiles: len(files),
	}}, nil
}

func (p *Packer) packSplit(user types.UserID, srcDir, packedDir, base string, files []string, partSize int64) ([]types.PackResult, error) {
	tmp := filepath.Join(packedDir, ".pack-"+uuid.NewString()+".tmp")
	defer os.Remove(tmp)

	if _, err := buildArchive(srcDir, files, tmp); err != nil {
		return nil, fmt.Errorf("failed to build archive: %w", err)
	}

	partNames, err := splitArchive(tmp, packedDir, base, partSize)
	if err != nil {
		removeAll(packedDir, partNames)
		return nil, fmt.Errorf("failed to split archive: %w", err)
	}

	manifestName := base + "_parts.txt"
	results := make([]types.PackResult, 0, len(partNames)+1)
	for i, name := range partNames {
		st, err := os.Stat(filepath.Join(packedDir, name))
		if err != nil {
			removeAll(packedDir, partNames)
			return nil, fmt.Errorf("failed to stat part %s: %w", name, err)
		}
		count := 0
		if i == 0 {
			count = len(files)
		}
		results = append(results, types.PackResult{
			Filename:         name,
			URL:              p.storage.FileURL(user, types.Packed, name),
			SizeMB:           toMB(st.Size()),
			TotalSourceFiles: count,
		})
	}

	manifestPath := filepath.Join(packedDir, manifestName)
	if err := os.WriteFile(manifestPath, p.manifest(base, len(files), results), 0644); err != nil {
		removeAll(packedDir, partNames)
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	// Outputs exist on disk in full; only now do they enter the
	// registry, so a failed pack never leaves parts registered
	// without their manifest.
	for _, name := range append(append([]string{}, partNames...), manifestName) {
		if _, err := p.storage.RegisterFile(user, name, name, types.Packed); err != nil {
			removeAll(packedDir, append(partNames, manifestName))
			return nil, err
		}
	}

	st, err := os.Stat(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	results = append(results, types.PackResult{
		Filename: manifestName,
		URL:      p.storage.FileURL(user, types.Packed, manifestName),
		SizeMB:   toMB(st.Size()),
	})

	p.logger.Info("Split pack complete",
		zap.Int64("user", int64(user)),
		zap.Int("parts", len(partNames)),
		zap.String("base", base))
	return results, nil
}

// manifest renders the human-readable description of a split pack,
// including the shell one-liner that reassembles it.
func (p *Packer) manifest(base string, totalFiles int, parts []types.PackResult) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Archive: %s.zip\n", base)
	fmt.Fprintf(&b, "Source files: %d\n", totalFiles)
	fmt.Fprintf(&b, "Parts: %d\n\n", len(parts))
	fmt.Fprintf(&b, "Reassemble with:\n  cat %s.zip.* > %s.zip && unzip %s.zip\n\n", base, base, base)
	b.WriteString("Part list:\n")
	for _, part := range parts {
		fmt.Fprintf(&b, "  %s  %s  %s\n",
			part.Filename, utils.FormatDataSize(int64(part.SizeMB*float64(utils.MegaByte))), part.URL)
	}
	return []byte(b.String())
}

// sourceFiles lists the regular files directly inside dir, sorted by
// name so archive contents are stable across runs.
func sourceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// buildArchive writes the named files from srcDir into a store-only
// zip at dst. No compression: the sources are typically already
// compressed media, and skipping deflate keeps the CPU cost near pure
// I/O. Returns the archive size in bytes.
func buildArchive(srcDir string, files []string, dst string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, name := range files {
		if err := addFile(zw, srcDir, name); err != nil {
			zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	st, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func addFile(zw *zip.Writer, srcDir, name string) error {
	src, err := os.Open(filepath.Join(srcDir, name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}

	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: st.ModTime(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to write %s into archive: %w", name, err)
	}
	return nil
}

// splitArchive slices src into raw partSize-byte pieces named
// base.zip.001, base.zip.002, ... in dir. Concatenating the parts in
// suffix order reproduces src byte for byte; there are no per-part
// headers or trailers. Returns the part names written so far even on
// error, so the caller can clean up.
func splitArchive(src, dir, base string, partSize int64) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var names []string
	for idx := 1; ; idx++ {
		name := fmt.Sprintf("%s.zip.%03d", base, idx)
		path := filepath.Join(dir, name)

		out, err := os.Create(path)
		if err != nil {
			return names, err
		}
		n, err := io.CopyN(out, in, partSize)
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}

		if err == io.EOF {
			if n == 0 {
				os.Remove(path)
				return names, nil
			}
			return append(names, name), nil
		}
		if err != nil {
			os.Remove(path)
			return names, err
		}
		names = append(names, name)
	}
}

func removeAll(dir string, names []string) {
	for _, name := range names {
		os.Remove(filepath.Join(dir, name))
	}
}

func toMB(bytes int64) float64 {
	return math.Round(float64(bytes)/float64(utils.MegaByte)*100) / 100
}
