package media

import (
	"crypto/sha256"

	"github.com/parleybot/parley/internal/chat"
)

// DefaultSizeRatio is the near-duplicate byte-length difference
// threshold: payloads whose lengths differ by less than 0.1% are
// treated as re-encoded copies of the same image.
const DefaultSizeRatio = 0.001

// Deduper filters repeated image payloads. An exact SHA-256 content
// hash is authoritative; the size-ratio comparison is a tunable
// secondary heuristic for re-encoded copies of the same image returned
// through two response paths. Kept images stay in first-seen order.
//
// A Deduper is stateful and intended for a single response's worth of
// candidates; create a fresh one per exchange.
type Deduper struct {
	sizeRatio float64
	seen      map[[sha256.Size]byte]struct{}
	sizes     []int
}

// NewDeduper creates a deduper with the given near-duplicate size-ratio
// threshold. A non-positive ratio disables the heuristic, leaving only
// the exact hash check.
func NewDeduper(sizeRatio float64) *Deduper {
	return &Deduper{
		sizeRatio: sizeRatio,
		seen:      make(map[[sha256.Size]byte]struct{}),
	}
}

// Keep reports whether img is novel and records it. Calling Keep with
// the same byte sequence twice returns true then false.
func (d *Deduper) Keep(img *chat.Image) bool {
	sum := sha256.Sum256(img.Data)
	if _, dup := d.seen[sum]; dup {
		return false
	}

	if d.sizeRatio > 0 {
		for _, prev := range d.sizes {
			if nearLength(len(img.Data), prev, d.sizeRatio) {
				return false
			}
		}
	}

	d.seen[sum] = struct{}{}
	d.sizes = append(d.sizes, len(img.Data))
	return true
}

// Filter returns the subset of imgs that are novel, preserving order.
func (d *Deduper) Filter(imgs []*chat.Image) []*chat.Image {
	var kept []*chat.Image
	for _, img := range imgs {
		if d.Keep(img) {
			kept = append(kept, img)
		}
	}
	return kept
}

// nearLength reports whether two byte lengths differ by less than
// ratio, relative to the larger of the two.
func nearLength(a, b int, ratio float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	max := a
	diff := a - b
	if b > a {
		max = b
		diff = b - a
	}
	return float64(diff)/float64(max) < ratio
}
