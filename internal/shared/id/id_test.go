package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	g := NewGenerator()

	id := g.GenerateWithPrefix("view")
	assert.True(t, strings.HasPrefix(id, "view_"))
	// Prefix, underscore, 26-character ULID.
	assert.Len(t, id, 4+1+26)
}

func TestIDsAreUnique(t *testing.T) {
	g := NewGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.GenerateWithPrefix("view")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestTypedConstructors(t *testing.T) {
	v := NewViewerID()
	assert.True(t, strings.HasPrefix(v.String(), ViewerPrefix+"_"))

	r := NewRecordingID()
	assert.True(t, strings.HasPrefix(r.String(), RecordingPrefix+"_"))
}
