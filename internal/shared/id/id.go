// Package id provides centralized ID generation for the relay.
//
// IDs are prefixed ULIDs (view_*, rec_*): lexicographically sortable and
// unique across the process without coordination.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ViewerID identifies an attached viewer connection.
type ViewerID string

// RecordingID identifies a screen recording artifact.
type RecordingID string

const (
	ViewerPrefix    = "view"
	RecordingPrefix = "rec"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewViewerID generates a new viewer connection ID.
func NewViewerID() ViewerID {
	return ViewerID(Default().GenerateWithPrefix(ViewerPrefix))
}

// NewRecordingID generates a new recording artifact ID.
func NewRecordingID() RecordingID {
	return RecordingID(Default().GenerateWithPrefix(RecordingPrefix))
}

func (id ViewerID) String() string    { return string(id) }
func (id RecordingID) String() string { return string(id) }
