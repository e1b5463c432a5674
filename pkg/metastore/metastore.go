// Package metastore owns the durable per-user file registry: a single
// JSON document mapping (user, folder) scopes to numbered file records.
// The document lives in memory and is rewritten atomically on every
// mutation, so a crash never leaves a half-written registry behind.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"filerelay/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope is the registry for one (user, folder) pair. Numbers are kept
// dense: after a delete the remaining records are renumbered 1..N and
// NextNumber reset to N+1.
type Scope struct {
	NextNumber int
	Files      map[int]*types.FileRecord
}

// Numbers returns the record numbers of the scope in ascending order.
func (s *Scope) Numbers() []int {
	nums := make([]int, 0, len(s.Files))
	for n := range s.Files {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Renumber compacts the scope to contiguous numbers starting at 1,
// preserving the relative order of the surviving records.
func (s *Scope) Renumber() {
	old := s.Numbers()
	files := make(map[int]*types.FileRecord, len(old))
	for i, n := range old {
		rec := s.Files[n]
		rec.Number = i + 1
		files[i+1] = rec
	}
	s.Files = files
	s.NextNumber = len(old) + 1
}

// Document is the whole registry tree, all users and folders.
type Document struct {
	Scopes map[types.ScopeKey]*Scope
}

// Scope returns the registry for key, creating an empty one if absent.
func (d *Document) Scope(key types.ScopeKey) *Scope {
	sc, ok := d.Scopes[key]
	if !ok {
		sc = &Scope{NextNumber: 1, Files: make(map[int]*types.FileRecord)}
		d.Scopes[key] = sc
	}
	return sc
}

// DropScope removes the registry for key entirely. The next access
// recreates it empty with NextNumber 1.
func (d *Document) DropScope(key types.ScopeKey) {
	delete(d.Scopes, key)
}

func newDocument() *Document {
	return &Document{Scopes: make(map[types.ScopeKey]*Scope)}
}

// Store serializes all registry access behind a single mutex and
// persists the document before releasing it, so no in-process caller
// can observe a mutation that has not reached disk.
type Store struct {
	path   string
	mu     sync.Mutex
	doc    *Document
	logger *zap.Logger
}

// Open loads the registry at path. A missing file yields an empty
// registry; an unreadable one is logged and discarded rather than
// failing startup.
func Open(path string, logger *zap.Logger) *Store {
	s := &Store{
		path:   path,
		doc:    newDocument(),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read metadata document, starting empty",
				zap.String("path", path), zap.Error(err))
		}
		return s
	}

	doc, err := decodeDocument(data)
	if err != nil {
		logger.Warn("Failed to parse metadata document, starting empty",
			zap.String("path", path), zap.Error(err))
		return s
	}
	s.doc = doc
	return s
}

// Update runs fn against the document under the store lock and, if fn
// succeeds, persists the document before the lock is released. If fn
// returns an error the document may have been mutated in memory but is
// not persisted; fn must therefore only mutate after its last fallible
// check.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.doc); err != nil {
		return err
	}
	return s.save()
}

// View runs fn against the document under the store lock without
// persisting. fn must copy out anything it needs; retaining pointers
// past the call is a data race.
func (s *Store) View(fn func(doc *Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

// save writes the document to a temporary sibling and renames it over
// the canonical path, so concurrent readers of the file only ever see
// a complete JSON document. Caller holds s.mu.
func (s *Store) save() error {
	data, err := encodeDocument(s.doc)
	if err != nil {
		return fmt.Errorf("failed to encode metadata document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	tmp := s.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace metadata document: %w", err)
	}
	return nil
}

// On-disk shape: {"<uid>_<folder>": {"next_number": N, "files":
// {"<number>": {"original_name", "stored_name", "registered_at"}}}}
// with registered_at as float unix seconds.

type recordJSON struct {
	OriginalName string  `json:"original_name"`
	StoredName   string  `json:"stored_name"`
	RegisteredAt float64 `json:"registered_at"`
}

type scopeJSON struct {
	NextNumber int                   `json:"next_number"`
	Files      map[string]recordJSON `json:"files"`
}

func encodeDocument(doc *Document) ([]byte, error) {
	out := make(map[string]scopeJSON, len(doc.Scopes))
	for key, sc := range doc.Scopes {
		files := make(map[string]recordJSON, len(sc.Files))
		for n, rec := range sc.Files {
			files[strconv.Itoa(n)] = recordJSON{
				OriginalName: rec.OriginalName,
				StoredName:   rec.StoredName,
				RegisteredAt: float64(rec.RegisteredAt.UnixNano()) / float64(time.Second),
			}
		}
		out[key.String()] = scopeJSON{NextNumber: sc.NextNumber, Files: files}
	}
	return json.MarshalIndent(out, "", "  ")
}

func decodeDocument(data []byte) (*Document, error) {
	var raw map[string]scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	doc := newDocument()
	for keyStr, sc := range raw {
		key, err := parseScopeKey(keyStr)
		if err != nil {
			return nil, err
		}
		scope := &Scope{
			NextNumber: sc.NextNumber,
			Files:      make(map[int]*types.FileRecord, len(sc.Files)),
		}
		if scope.NextNumber < 1 {
			scope.NextNumber = 1
		}
		for numStr, rec := range sc.Files {
			n, err := strconv.Atoi(numStr)
			if err != nil {
				return nil, fmt.Errorf("invalid file number %q in scope %s", numStr, keyStr)
			}
			scope.Files[n] = &types.FileRecord{
				Number:       n,
				OriginalName: rec.OriginalName,
				StoredName:   rec.StoredName,
				RegisteredAt: time.Unix(0, int64(rec.RegisteredAt*float64(time.Second))),
			}
		}
		doc.Scopes[key] = scope
	}
	return doc, nil
}

func parseScopeKey(s string) (types.ScopeKey, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return types.ScopeKey{}, fmt.Errorf("invalid scope key %q", s)
	}
	uid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return types.ScopeKey{}, fmt.Errorf("invalid user id in scope key %q", s)
	}
	folder, err := types.ParseFolder(parts[1])
	if err != nil {
		return types.ScopeKey{}, fmt.Errorf("invalid scope key %q: %w", s, err)
	}
	return types.ScopeKey{User: types.UserID(uid), Folder: folder}, nil
}
