package ingest

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Preprocess prepares a rendered page for OCR: grayscale conversion, Otsu
// binarization and a morphological opening with a square kernel of the
// given size. A kernel of 1 or less skips the opening.
func Preprocess(img image.Image, kernel int) *image.Gray {
	gray := toGray(imaging.Grayscale(img))
	t := OtsuThreshold(gray)
	binarize(gray, t)
	if kernel > 1 {
		gray = dilate(erode(gray, kernel), kernel)
	}
	return gray
}

func toGray(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			// Grayscale output has equal channels.
			g.Pix[y*g.Stride+x] = img.Pix[y*img.Stride+x*4]
		}
	}
	return g
}

// OtsuThreshold returns the threshold that maximizes between-class variance
// of the image histogram.
func OtsuThreshold(g *image.Gray) uint8 {
	var hist [256]int
	for _, p := range g.Pix {
		hist[p]++
	}
	total := len(g.Pix)
	if total == 0 {
		return 128
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}

	var (
		sumB, best float64
		wB         int
		threshold  uint8
	)
	for i, c := range hist {
		wB += c
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * c)
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(i)
		}
	}
	return threshold
}

func binarize(g *image.Gray, t uint8) {
	for i, p := range g.Pix {
		if p > t {
			g.Pix[i] = 255
		} else {
			g.Pix[i] = 0
		}
	}
}

// erode shrinks white regions: a pixel stays white only if its whole
// neighbourhood is white.
func erode(g *image.Gray, k int) *image.Gray {
	return morph(g, k, func(v, cur uint8) uint8 { return min(v, cur) }, 255)
}

func dilate(g *image.Gray, k int) *image.Gray {
	return morph(g, k, func(v, cur uint8) uint8 { return max(v, cur) }, 0)
}

func morph(g *image.Gray, k int, pick func(v, cur uint8) uint8, init uint8) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(b)
	lo := -(k - 1) / 2
	hi := k / 2
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := init
			for dy := lo; dy <= hi; dy++ {
				for dx := lo; dx <= hi; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(b) {
						continue
					}
					v = pick(g.GrayAt(p.X, p.Y).Y, v)
				}
			}
			out.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return out
}
