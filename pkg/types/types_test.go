package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFolder(t *testing.T) {
	f, err := ParseFolder("downloads")
	assert.NoError(t, err)
	assert.Equal(t, Downloads, f)

	f, err = ParseFolder("packed")
	assert.NoError(t, err)
	assert.Equal(t, Packed, f)

	_, err = ParseFolder("attic")
	assert.Error(t, err)
	_, err = ParseFolder("")
	assert.Error(t, err)
}

func TestScopeKeyString(t *testing.T) {
	key := ScopeKey{User: 42, Folder: Downloads}
	assert.Equal(t, "42_downloads", key.String())
}
