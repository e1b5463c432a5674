package packer

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"filerelay/pkg/metastore"
	"filerelay/pkg/storage"
	"filerelay/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGate counts grants and releases so tests can assert the
// release-exactly-once contract.
type fakeGate struct {
	deny     bool
	reason   string
	grants   int
	releases int
}

func (g *fakeGate) RequestSlot() (bool, string) {
	if g.deny {
		return false, g.reason
	}
	g.grants++
	return true, ""
}

func (g *fakeGate) ReleaseSlot() {
	g.releases++
}

func testSetup(t *testing.T) (*storage.Service, *fakeGate, *Packer) {
	t.Helper()
	dir := t.TempDir()
	store := metastore.Open(filepath.Join(dir, "metadata.json"), zap.NewNop())
	svc := storage.New(filepath.Join(dir, "storage"), "https://relay.example.com", store, zap.NewNop())
	g := &fakeGate{}
	return svc, g, New(svc, g, 200*1024, zap.NewNop())
}

func writeSource(t *testing.T, svc *storage.Service, user types.UserID, name string, content []byte) {
	t.Helper()
	dir, err := svc.UserDir(user, types.Downloads)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0644))
	_, err = svc.RegisterFile(user, name, name, types.Downloads)
	require.NoError(t, err)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestPackSingle(t *testing.T) {
	svc, g, p := testSetup(t)
	user := types.UserID(42)

	sources := map[string][]byte{
		"a.bin": randomBytes(t, 1000),
		"b.bin": randomBytes(t, 2000),
		"c.bin": randomBytes(t, 500),
	}
	for name, content := range sources {
		writeSource(t, svc, user, name, content)
	}

	results, err := p.Pack(user, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].TotalSourceFiles)
	assert.True(t, strings.HasSuffix(results[0].Filename, ".zip"))
	assert.Equal(t, 1, g.grants)
	assert.Equal(t, 1, g.releases)

	// registered as a packed record
	packed, err := svc.ListFiles(user, types.Packed)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	assert.Equal(t, results[0].Filename, packed[0].OriginalName)

	// the archive is store-only and contains every source byte-exact
	packedDir, err := svc.UserDir(user, types.Packed)
	require.NoError(t, err)
	zr, err := zip.OpenReader(filepath.Join(packedDir, results[0].Filename))
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 3)
	for _, zf := range zr.File {
		assert.Equal(t, zip.Store, zf.Method, "archive must not compress")
		rc, err := zf.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, sources[zf.Name], data)
	}
}

func TestPackSplitRoundTrip(t *testing.T) {
	svc, g, p := testSetup(t)
	user := types.UserID(42)

	writeSource(t, svc, user, "big.bin", randomBytes(t, 120*1024))
	writeSource(t, svc, user, "more.bin", randomBytes(t, 100*1024))

	const partSize = 50 * 1024
	results, err := p.Pack(user, partSize)
	require.NoError(t, err)
	assert.Equal(t, 1, g.grants)
	assert.Equal(t, 1, g.releases)

	// last result is the manifest
	manifest := results[len(results)-1]
	parts := results[:len(results)-1]
	assert.True(t, strings.HasSuffix(manifest.Filename, "_parts.txt"))
	require.NotEmpty(t, parts)
	assert.Equal(t, 2, parts[0].TotalSourceFiles)
	for _, part := range parts[1:] {
		assert.Zero(t, part.TotalSourceFiles, "only the first part carries the count")
	}

	packedDir, err := svc.UserDir(user, types.Packed)
	require.NoError(t, err)

	// concatenating the parts in suffix order must yield a valid zip
	// with every source byte-exact, and ceil(S/P) parts of exact size
	var joined bytes.Buffer
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		names = append(names, part.Filename)
	}
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, names, "parts must be returned in suffix order")

	var total int64
	for i, name := range names {
		assert.True(t, strings.Contains(name, fmt.Sprintf(".zip.%03d", i+1)))
		data, err := os.ReadFile(filepath.Join(packedDir, name))
		require.NoError(t, err)
		if i < len(names)-1 {
			assert.Len(t, data, partSize, "all but the last part are exactly part-sized")
		} else {
			assert.LessOrEqual(t, len(data), partSize)
			assert.Greater(t, len(data), 0)
		}
		total += int64(len(data))
		joined.Write(data)
	}
	expectParts := int((total + partSize - 1) / partSize)
	assert.Equal(t, expectParts, len(parts))

	zr, err := zip.NewReader(bytes.NewReader(joined.Bytes()), int64(joined.Len()))
	require.NoError(t, err, "concatenated parts must be a readable archive")
	assert.Len(t, zr.File, 2)

	// no leftover temp archive
	entries, err := os.ReadDir(packedDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".pack-"),
			"temporary full archive must be removed")
	}

	// every part and the manifest are registered
	packed, err := svc.ListFiles(user, types.Packed)
	require.NoError(t, err)
	assert.Len(t, packed, len(parts)+1)
}

func TestPackSplitCapsPartSize(t *testing.T) {
	svc, _, _ := testSetup(t)
	user := types.UserID(7)

	writeSource(t, svc, user, "data.bin", randomBytes(t, 100*1024))

	// packer configured with a 30KB maximum part size
	g := &fakeGate{}
	p := New(svc, g, 30*1024, zap.NewNop())

	results, err := p.Pack(user, 1024*1024*1024)
	require.NoError(t, err)

	packedDir, err := svc.UserDir(user, types.Packed)
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(packedDir, results[0].Filename))
	require.NoError(t, err)
	assert.Len(t, first, 30*1024, "requested size must be capped at the configured maximum")
}

func TestPackManifestContents(t *testing.T) {
	svc, _, p := testSetup(t)
	user := types.UserID(9)

	writeSource(t, svc, user, "x.bin", randomBytes(t, 70*1024))

	results, err := p.Pack(user, 32*1024)
	require.NoError(t, err)

	manifest := results[len(results)-1]
	packedDir, err := svc.UserDir(user, types.Packed)
	require.NoError(t, err)
	text, err := os.ReadFile(filepath.Join(packedDir, manifest.Filename))
	require.NoError(t, err)

	base := strings.TrimSuffix(manifest.Filename, "_parts.txt")
	assert.Contains(t, string(text), "Source files: 1")
	assert.Contains(t, string(text), "Parts: 3")
	assert.Contains(t, string(text),
		fmt.Sprintf("cat %s.zip.* > %s.zip && unzip %s.zip", base, base, base))
	for _, part := range results[:len(results)-1] {
		assert.Contains(t, string(text), part.Filename)
		assert.Contains(t, string(text), part.URL)
	}
}

func TestPackEmptyFolder(t *testing.T) {
	svc, g, p := testSetup(t)
	user := types.UserID(42)

	_, err := p.Pack(user, 0)
	assert.ErrorIs(t, err, ErrNoFiles)
	assert.Equal(t, 1, g.grants)
	assert.Equal(t, 1, g.releases, "slot must be released on the failure path")

	// no artifacts were written
	packedDir, err := svc.UserDir(user, types.Packed)
	require.NoError(t, err)
	entries, err := os.ReadDir(packedDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPackDeniedByGate(t *testing.T) {
	svc, g, p := testSetup(t)
	g.deny = true
	g.reason = "system is under heavy load"

	writeSource(t, svc, types.UserID(42), "a.bin", randomBytes(t, 10))

	_, err := p.Pack(42, 0)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "system is under heavy load", busy.Reason)
	assert.Zero(t, g.releases, "no release without a grant")
}

func TestPackSkipsSubdirectories(t *testing.T) {
	svc, _, p := testSetup(t)
	user := types.UserID(42)

	writeSource(t, svc, user, "real.bin", randomBytes(t, 10))
	srcDir, err := svc.UserDir(user, types.Downloads)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(srcDir, "nested"), 0755))

	results, err := p.Pack(user, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].TotalSourceFiles)
}
