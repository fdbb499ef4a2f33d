package session

import (
	"sort"

	"github.com/steveyegge/eyeswatch/internal/index"
)

// Decision is what an Orderer did with an offered file.
type Decision int

const (
	// Ready: the file (and possibly held successors) can be staged now.
	Ready Decision = iota
	// Held: the file waits for a lower index.
	Held
	// Ignored: the index is below the cursor or already held.
	Ignored
	// Unindexed: ordering is on and the name has no index.
	Unindexed
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case Ready:
		return "ready"
	case Held:
		return "held"
	case Ignored:
		return "ignored"
	case Unindexed:
		return "unindexed"
	default:
		return "unknown"
	}
}

// Orderer decides when each file of a session may be staged.
//
// Without indexing files are released in arrival order. With indexing a
// file is released only when its index equals the cursor; higher indices
// are held until the gap closes and lower ones are dropped. An Orderer is
// owned by a single goroutine.
type Orderer struct {
	indexed bool
	cursor  int
	held    map[int]string
}

// NewUnordered returns an Orderer that releases files as they arrive.
func NewUnordered() *Orderer {
	return &Orderer{}
}

// NewIndexed returns an Orderer whose cursor starts at start.
func NewIndexed(start int) *Orderer {
	return &Orderer{indexed: true, cursor: start, held: make(map[int]string)}
}

// Indexed reports whether strict ordering is enabled.
func (o *Orderer) Indexed() bool {
	return o.indexed
}

// Cursor returns the next expected index.
func (o *Orderer) Cursor() int {
	return o.cursor
}

// Offer records the arrival of path and returns the files that became
// stageable, in staging order.
func (o *Orderer) Offer(path string) ([]string, Decision) {
	if !o.indexed {
		return []string{path}, Ready
	}

	idx, ok := index.Extract(path)
	switch {
	case !ok:
		return nil, Unindexed
	case idx < o.cursor:
		return nil, Ignored
	case idx > o.cursor:
		if _, dup := o.held[idx]; dup {
			return nil, Ignored
		}
		o.held[idx] = path
		return nil, Held
	}

	ready := []string{path}
	o.cursor++
	for {
		next, ok := o.held[o.cursor]
		if !ok {
			break
		}
		delete(o.held, o.cursor)
		ready = append(ready, next)
		o.cursor++
	}
	return ready, Ready
}

// Waiting reports whether any file is held for a missing index.
func (o *Orderer) Waiting() bool {
	return len(o.held) > 0
}

// Held returns the held files in index order.
func (o *Orderer) Held() []string {
	idx := make([]int, 0, len(o.held))
	for i := range o.held {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, o.held[i])
	}
	return out
}
