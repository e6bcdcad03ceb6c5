package transform

import (
	"image"

	"mapwall/internal/catalog"
)

// CoverRect returns the part of src that, once scaled to dstW x dstH, fills
// the target completely with the aspect ratio preserved. The surplus on the
// long axis is trimmed according to the anchor.
func CoverRect(src image.Rectangle, dstW, dstH int, anchor catalog.Anchor) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw <= 0 || sh <= 0 || dstW <= 0 || dstH <= 0 {
		return image.Rectangle{}
	}

	cw, ch := sw, sh
	if sw*dstH > dstW*sh {
		cw = (sh*dstW + dstH/2) / dstH
	} else {
		ch = (sw*dstH + dstW/2) / dstW
	}
	cw = clampInt(cw, 1, sw)
	ch = clampInt(ch, 1, sh)

	wx, wy := anchor.Weights()
	x := (sw - cw) * wx / 2
	y := (sh - ch) * wy / 2

	origin := image.Pt(src.Min.X+x, src.Min.Y+y)
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(cw, ch))}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
