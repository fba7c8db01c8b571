package ocr

import (
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
)

// minHeight is the height small scans are upscaled to before recognition.
const minHeight = 1200

// Preprocess converts a scan into a high-contrast black and white image:
// grayscale, upscale when small, contrast and sharpen, then Otsu threshold.
func Preprocess(src image.Image) *image.NRGBA {
	img := imaging.Grayscale(src)
	if h := img.Bounds().Dy(); h > 0 && h < minHeight {
		img = imaging.Resize(img, 0, minHeight, imaging.Lanczos)
	}
	img = imaging.AdjustContrast(img, 20)
	img = imaging.Sharpen(img, 0.7)

	t := OtsuThreshold(img)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		if c.R > t {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{A: c.A}
	})
}

// OtsuThreshold picks the gray level that best separates foreground from
// background in a grayscale image.
func OtsuThreshold(img *image.NRGBA) uint8 {
	var hist [256]int
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			hist[row[x]]++
		}
	}

	total := b.Dx() * b.Dy()
	if total == 0 {
		return 127
	}

	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var (
		sumB, best float64
		weightB    int
		threshold  uint8
	)
	for i, n := range hist {
		weightB += n
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(i * n)
		meanB := sumB / float64(weightB)
		meanF := (sum - sumB) / float64(weightF)
		between := float64(weightB) * float64(weightF) * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			threshold = uint8(i)
		}
	}
	return threshold
}

// preprocessFile writes a preprocessed copy of path to a temp PNG. The
// returned cleanup removes it.
func preprocessFile(path string) (string, func(), error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", nil, eris.Wrapf(err, "ocr: open image %s", path)
	}

	tmp, err := os.CreateTemp("", "egocr-*.png")
	if err != nil {
		return "", nil, eris.Wrap(err, "ocr: create temp image")
	}
	name := tmp.Name()
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(name) }

	if err := imaging.Save(Preprocess(src), name); err != nil {
		cleanup()
		return "", nil, eris.Wrapf(err, "ocr: save preprocessed %s", path)
	}
	return name, cleanup, nil
}
