// Package artifact folds streamed document updates into content
// snapshots. Text and code documents stream as append-only deltas;
// sheet documents stream as full replacement snapshots because a
// partial spreadsheet is not meaningfully renderable.
package artifact

import (
	"strings"
	"sync"

	"github.com/parley-chat/parley/internal/store"
)

// Accumulator folds deltas for one document generation.
type Accumulator struct {
	kind store.DocumentKind

	mu      sync.Mutex
	buf     strings.Builder
	snap    string
	replace bool
}

func NewAccumulator(kind store.DocumentKind) *Accumulator {
	return &Accumulator{kind: kind, replace: kind == store.DocumentSheet}
}

func (a *Accumulator) Kind() store.DocumentKind { return a.kind }

// Apply folds one delta into the accumulator.
func (a *Accumulator) Apply(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.replace {
		a.snap = delta
		return
	}
	a.buf.WriteString(delta)
}

// Clear resets the accumulated content. Emitted when a generation
// restarts its output.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Reset()
	a.snap = ""
}

// Content returns the current snapshot.
func (a *Accumulator) Content() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.replace {
		return a.snap
	}
	return a.buf.String()
}

// DeltaKind names the stream payload kind used for a document kind's
// updates.
func DeltaKind(kind store.DocumentKind) string {
	switch kind {
	case store.DocumentCode:
		return "codeDelta"
	case store.DocumentSheet:
		return "sheetDelta"
	default:
		return "textDelta"
	}
}
