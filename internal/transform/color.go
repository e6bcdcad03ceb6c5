package transform

import (
	"image"
	"math"

	"mapwall/internal/catalog"
)

const (
	lumaR = 0.2126
	lumaG = 0.7152
	lumaB = 0.0722
)

func eachPixel(img *image.NRGBA, fn func(r, g, b float64) (float64, float64, float64)) {
	pix := img.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		r, g, b := fn(float64(pix[i]), float64(pix[i+1]), float64(pix[i+2]))
		pix[i] = clamp8(r)
		pix[i+1] = clamp8(g)
		pix[i+2] = clamp8(b)
	}
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func grayscale(img *image.NRGBA) {
	eachPixel(img, func(r, g, b float64) (float64, float64, float64) {
		l := lumaR*r + lumaG*g + lumaB*b
		return l, l, l
	})
}

// modulate scales brightness and saturation, then rotates hue by the given
// number of degrees. Nil arguments leave that channel of the operation alone.
func modulate(img *image.NRGBA, brightness, saturation, hue *float64) {
	bright := 1.0
	if brightness != nil {
		bright = *brightness
	}
	sat := 1.0
	if saturation != nil {
		sat = *saturation
	}
	var m *[3][3]float64
	if hue != nil && math.Mod(*hue, 360) != 0 {
		rot := hueMatrix(*hue)
		m = &rot
	}

	eachPixel(img, func(r, g, b float64) (float64, float64, float64) {
		r, g, b = r*bright, g*bright, b*bright
		if sat != 1 {
			l := lumaR*r + lumaG*g + lumaB*b
			r = l + (r-l)*sat
			g = l + (g-l)*sat
			b = l + (b-l)*sat
		}
		if m != nil {
			r, g, b = m[0][0]*r+m[0][1]*g+m[0][2]*b,
				m[1][0]*r+m[1][1]*g+m[1][2]*b,
				m[2][0]*r+m[2][1]*g+m[2][2]*b
		}
		return r, g, b
	})
}

// hueMatrix is the luminance preserving hue rotation used by CSS filters.
func hueMatrix(degrees float64) [3][3]float64 {
	rad := degrees * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return [3][3]float64{
		{0.213 + c*0.787 - s*0.213, 0.715 - c*0.715 - s*0.715, 0.072 - c*0.072 + s*0.928},
		{0.213 - c*0.213 + s*0.143, 0.715 + c*0.285 + s*0.140, 0.072 - c*0.072 - s*0.283},
		{0.213 - c*0.213 - s*0.787, 0.715 - c*0.715 + s*0.715, 0.072 + c*0.928 + s*0.072},
	}
}

func tint(img *image.NRGBA, t catalog.RGB) {
	tr, tg, tb := float64(t.R)/255, float64(t.G)/255, float64(t.B)/255
	eachPixel(img, func(r, g, b float64) (float64, float64, float64) {
		return r * tr, g * tg, b * tb
	})
}

func contrast(img *image.NRGBA, factor float64) {
	offset := 128 * (1 - factor)
	eachPixel(img, func(r, g, b float64) (float64, float64, float64) {
		return factor*r + offset, factor*g + offset, factor*b + offset
	})
}
