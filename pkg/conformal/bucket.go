package conformal

import (
	"fmt"
	"math/bits"
)

// ModeBucket classifies the terminal screen mode.
type ModeBucket uint8

const (
	ModeInline ModeBucket = iota
	ModeInlineAuto
	ModeAltScreen
)

// String returns the stable name used in bucket labels.
func (m ModeBucket) String() string {
	switch m {
	case ModeInline:
		return "inline"
	case ModeInlineAuto:
		return "inline_auto"
	case ModeAltScreen:
		return "altscreen"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// DiffBucket classifies the diff strategy used to emit the frame.
type DiffBucket uint8

const (
	DiffFull DiffBucket = iota
	DiffDirtyRows
	DiffFullRedraw
)

// String returns the stable name used in bucket labels.
func (d DiffBucket) String() string {
	switch d {
	case DiffFull:
		return "full"
	case DiffDirtyRows:
		return "dirty"
	case DiffFullRedraw:
		return "redraw"
	default:
		return fmt.Sprintf("diff(%d)", uint8(d))
	}
}

// BucketKey identifies a calibration context. Frame-time distributions differ
// by screen mode, diff strategy and coarse screen area, so each combination
// keeps its own residual window. BucketKey is comparable and used directly as
// a map key.
type BucketKey struct {
	Mode ModeBucket
	Diff DiffBucket
	Size uint8
}

// KeyFromContext builds a key from the live rendering context.
func KeyFromContext(mode ModeBucket, diff DiffBucket, cols, rows uint16) BucketKey {
	return BucketKey{Mode: mode, Diff: diff, Size: SizeBucket(cols, rows)}
}

// String formats the key as "mode:diff:size", e.g. "altscreen:full:10".
func (k BucketKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Mode, k.Diff, k.Size)
}

// SizeBucket returns floor(log2(cols*rows)), or 0 for an empty screen.
// An 80x24 terminal lands in bucket 10, 120x40 in bucket 12.
func SizeBucket(cols, rows uint16) uint8 {
	area := uint32(cols) * uint32(rows)
	if area == 0 {
		return 0
	}
	return uint8(bits.Len32(area) - 1)
}

// ParseMode maps a mode name back to its bucket. Unknown names fall back to
// ModeAltScreen, the most common full-screen context.
func ParseMode(s string) ModeBucket {
	switch s {
	case "inline":
		return ModeInline
	case "inline_auto":
		return ModeInlineAuto
	default:
		return ModeAltScreen
	}
}

// ParseDiff maps a diff strategy name back to its bucket. Unknown names fall
// back to DiffFull.
func ParseDiff(s string) DiffBucket {
	switch s {
	case "dirty":
		return DiffDirtyRows
	case "redraw":
		return DiffFullRedraw
	default:
		return DiffFull
	}
}
