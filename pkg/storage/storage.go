// Package storage implements the per-user file store: directory
// layout, filename sanitization, registration and numbering, listing,
// rename, delete and usage accounting. All metadata goes through the
// metastore; the physical file on disk is the authoritative existence
// check.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"filerelay/pkg/metastore"
	"filerelay/pkg/types"

	"go.uber.org/zap"
)

// Expected failure modes. The chat layer displays these messages
// verbatim, so keep them user-readable.
var (
	ErrNotFound    = errors.New("file not found")
	ErrEmptyFolder = errors.New("folder is already empty")
)

// MaxStoredNameLen bounds sanitized filenames, extension included.
const MaxStoredNameLen = 100

type Service struct {
	root       string
	publicBase string
	store      *metastore.Store
	logger     *zap.Logger
}

// New creates a storage service rooted at root. publicBase is the
// scheme+host prefix used to build download URLs.
func New(root, publicBase string, store *metastore.Store, logger *zap.Logger) *Service {
	return &Service{
		root:       root,
		publicBase: strings.TrimRight(publicBase, "/"),
		store:      store,
		logger:     logger,
	}
}

// UserDir returns the directory for one (user, folder) scope, creating
// it if absent.
func (s *Service) UserDir(user types.UserID, folder types.Folder) (string, error) {
	dir := filepath.Join(s.root, fmt.Sprintf("%d", user), string(folder))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create user directory: %w", err)
	}
	return dir, nil
}

var hostileChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_", "/", "_",
	"\\", "_", "|", "_", "?", "_", "*", "_", "\x00", "_",
)

// SanitizeFilename makes a user-supplied name safe for the filesystem
// and URLs: hostile characters become underscores, leading dots are
// stripped so uploads cannot hide themselves, and the result is capped
// at MaxStoredNameLen bytes with the extension preserved. Idempotent.
func SanitizeFilename(name string) string {
	name = hostileChars.Replace(name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ". ")

	if len(name) > MaxStoredNameLen {
		ext := filepath.Ext(name)
		if len(ext) >= MaxStoredNameLen {
			ext = ""
		}
		cut := MaxStoredNameLen - len(ext)
		base := name[:len(name)-len(ext)]
		if cut > len(base) {
			cut = len(base)
		}
		for cut > 0 && !utf8.RuneStart(base[cut]) {
			cut--
		}
		name = strings.TrimSpace(base[:cut]) + ext
	}

	if strings.TrimSpace(name) == "" {
		return "file"
	}
	return name
}

// UniqueStoredName returns filename, or the first name_N.ext variant
// that does not collide with an existing entry in dir. Deterministic
// for identical directory contents.
func UniqueStoredName(dir, filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	candidate := filename
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

// RegisterFile records a file already written into the scope directory
// and returns its assigned number. This is the only place numbers are
// allocated.
func (s *Service) RegisterFile(user types.UserID, originalName, storedName string, folder types.Folder) (int, error) {
	key := types.ScopeKey{User: user, Folder: folder}
	var number int
	err := s.store.Update(func(doc *metastore.Document) error {
		sc := doc.Scope(key)
		number = sc.NextNumber
		sc.Files[number] = &types.FileRecord{
			Number:       number,
			OriginalName: originalName,
			StoredName:   storedName,
			RegisteredAt: time.Now(),
		}
		sc.NextNumber++
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Registered file",
		zap.Int64("user", int64(user)),
		zap.String("folder", string(folder)),
		zap.Int("number", number),
		zap.String("stored_name", storedName))
	return number, nil
}

// ListFiles returns the scope's records in ascending number order,
// each with its live size and download URL. Records whose backing file
// has vanished are skipped, not purged.
func (s *Service) ListFiles(user types.UserID, folder types.Folder) ([]types.FileInfo, error) {
	dir, err := s.UserDir(user, folder)
	if err != nil {
		return nil, err
	}

	records := s.snapshot(user, folder)

	infos := make([]types.FileInfo, 0, len(records))
	for _, rec := range records {
		st, err := os.Stat(filepath.Join(dir, rec.StoredName))
		if err != nil {
			continue
		}
		infos = append(infos, types.FileInfo{
			Number:       rec.Number,
			OriginalName: rec.OriginalName,
			StoredName:   rec.StoredName,
			Size:         st.Size(),
			URL:          s.FileURL(user, folder, rec.StoredName),
			RegisteredAt: rec.RegisteredAt,
		})
	}
	return infos, nil
}

// GetFile looks up a single record by number. Returns ErrNotFound when
// there is no record or its backing file is gone.
func (s *Service) GetFile(user types.UserID, number int, folder types.Folder) (*types.FileInfo, error) {
	dir, err := s.UserDir(user, folder)
	if err != nil {
		return nil, err
	}

	var rec *types.FileRecord
	s.store.View(func(doc *metastore.Document) {
		if r, ok := doc.Scope(types.ScopeKey{User: user, Folder: folder}).Files[number]; ok {
			copied := *r
			rec = &copied
		}
	})
	if rec == nil {
		return nil, ErrNotFound
	}

	st, err := os.Stat(filepath.Join(dir, rec.StoredName))
	if err != nil {
		return nil, ErrNotFound
	}
	return &types.FileInfo{
		Number:       rec.Number,
		OriginalName: rec.OriginalName,
		StoredName:   rec.StoredName,
		Size:         st.Size(),
		URL:          s.FileURL(user, folder, rec.StoredName),
		RegisteredAt: rec.RegisteredAt,
	}, nil
}

// GetOriginalName maps a stored name back to the user-facing display
// name. Unknown names map to themselves, so this never fails.
func (s *Service) GetOriginalName(user types.UserID, storedName string, folder types.Folder) string {
	name := storedName
	s.store.View(func(doc *metastore.Document) {
		for _, rec := range doc.Scope(types.ScopeKey{User: user, Folder: folder}).Files {
			if rec.StoredName == storedName {
				name = rec.OriginalName
				return
			}
		}
	})
	return name
}

// RenameFile gives record number a new display name and a matching
// unique stored name with the original extension preserved. The number
// never changes. Returns the new download URL.
func (s *Service) RenameFile(user types.UserID, number int, newName string, folder types.Folder) (string, error) {
	dir, err := s.UserDir(user, folder)
	if err != nil {
		return "", err
	}

	key := types.ScopeKey{User: user, Folder: folder}
	var newURL string
	err = s.store.Update(func(doc *metastore.Document) error {
		rec, ok := doc.Scope(key).Files[number]
		if !ok {
			return ErrNotFound
		}
		oldPath := filepath.Join(dir, rec.StoredName)
		if _, err := os.Stat(oldPath); err != nil {
			return ErrNotFound
		}

		sanitized := SanitizeFilename(newName)
		if ext := filepath.Ext(rec.StoredName); ext != "" && !strings.EqualFold(filepath.Ext(sanitized), ext) {
			sanitized += ext
		}
		stored := UniqueStoredName(dir, sanitized)

		if err := os.Rename(oldPath, filepath.Join(dir, stored)); err != nil {
			return fmt.Errorf("failed to rename file: %w", err)
		}
		rec.OriginalName = newName
		rec.StoredName = stored
		newURL = s.FileURL(user, folder, stored)
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Renamed file",
		zap.Int64("user", int64(user)),
		zap.Int("number", number),
		zap.String("new_name", newName))
	return newURL, nil
}

// DeleteFile removes record number and its backing file, then
// renumbers the remaining records to a dense 1..N. A backing file that
// is already gone still counts as a successful delete.
func (s *Service) DeleteFile(user types.UserID, number int, folder types.Folder) error {
	dir, err := s.UserDir(user, folder)
	if err != nil {
		return err
	}

	key := types.ScopeKey{User: user, Folder: folder}
	err = s.store.Update(func(doc *metastore.Document) error {
		sc := doc.Scope(key)
		rec, ok := sc.Files[number]
		if !ok {
			return ErrNotFound
		}
		if err := os.Remove(filepath.Join(dir, rec.StoredName)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		delete(sc.Files, number)
		sc.Renumber()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Deleted file",
		zap.Int64("user", int64(user)),
		zap.String("folder", string(folder)),
		zap.Int("number", number))
	return nil
}

// DeleteAllFiles empties the scope directory and resets its registry.
// Returns the number of files removed, or ErrEmptyFolder when there
// was nothing to remove.
func (s *Service) DeleteAllFiles(user types.UserID, folder types.Folder) (int, error) {
	dir, err := s.UserDir(user, folder)
	if err != nil {
		return 0, err
	}

	key := types.ScopeKey{User: user, Folder: folder}
	removed := 0
	err = s.store.Update(func(doc *metastore.Document) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read user directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
		if removed == 0 {
			return ErrEmptyFolder
		}
		doc.DropScope(key)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Deleted all files",
		zap.Int64("user", int64(user)),
		zap.String("folder", string(folder)),
		zap.Int("removed", removed))
	return removed, nil
}

// StorageUsed sums the on-disk bytes under the user's directory tree.
// Counted from the filesystem, not from metadata, so untracked files
// are included.
func (s *Service) StorageUsed(user types.UserID) (int64, error) {
	userRoot := filepath.Join(s.root, fmt.Sprintf("%d", user))
	var total int64
	err := filepath.WalkDir(userRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return nil
		}
		total += st.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure storage: %w", err)
	}
	return total, nil
}

// FileURL builds the public download URL for a stored file:
// {base}/storage/{user}/{folder}/{percent-encoded name}.
func (s *Service) FileURL(user types.UserID, folder types.Folder, storedName string) string {
	return fmt.Sprintf("%s/storage/%d/%s/%s",
		s.publicBase, user, folder, url.PathEscape(storedName))
}

// snapshot copies the scope's records out of the store, sorted by
// number, so filesystem stats can run without holding the store lock.
func (s *Service) snapshot(user types.UserID, folder types.Folder) []types.FileRecord {
	var records []types.FileRecord
	s.store.View(func(doc *metastore.Document) {
		sc := doc.Scope(types.ScopeKey{User: user, Folder: folder})
		for _, rec := range sc.Files {
			records = append(records, *rec)
		}
	})
	sort.Slice(records, func(i, j int) bool { return records[i].Number < records[j].Number })
	return records
}
