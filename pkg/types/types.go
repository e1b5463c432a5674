package types

import (
	"fmt"
	"time"
)

// UserID identifies a relay user. It is opaque to the core; the chat
// layer maps platform accounts onto it.
type UserID int64

// Folder is the per-user storage area a file lives in.
type Folder string

const (
	// Downloads holds files the user sent to the relay.
	Downloads Folder = "downloads"
	// Packed holds archives and manifests produced by the packer.
	Packed Folder = "packed"
)

// ParseFolder validates a folder tag coming from an external caller.
func ParseFolder(s string) (Folder, error) {
	switch Folder(s) {
	case Downloads:
		return Downloads, nil
	case Packed:
		return Packed, nil
	}
	return "", fmt.Errorf("unknown folder %q", s)
}

// ScopeKey is the unit of numbering and directory isolation: one user,
// one folder.
type ScopeKey struct {
	User   UserID
	Folder Folder
}

func (k ScopeKey) String() string {
	return fmt.Sprintf("%d_%s", k.User, k.Folder)
}

// FileRecord is the persisted metadata for one stored file. Number is
// unique within its scope and kept dense (1..N) across deletions.
type FileRecord struct {
	Number       int
	OriginalName string
	StoredName   string
	RegisteredAt time.Time
}

// FileInfo is a FileRecord augmented with live filesystem state and a
// public download URL. Produced by listing and lookup operations.
type FileInfo struct {
	Number       int
	OriginalName string
	StoredName   string
	Size         int64
	URL          string
	RegisteredAt time.Time
}

// PackResult describes one artifact produced by a pack operation: the
// archive itself, one split part, or the manifest. TotalSourceFiles is
// only meaningful on the first artifact of a pack.
type PackResult struct {
	Filename         string
	URL              string
	SizeMB           float64
	TotalSourceFiles int
}
