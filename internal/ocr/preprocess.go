package ocr

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sort"

	"golang.org/x/image/draw"

	// Additional decoders for scanned inputs
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Preprocess prepares a page for recognition: it converts the image to
// 8-bit grayscale, removes speckle noise with a 3x3 median filter and
// binarizes it with an Otsu threshold. The result is encoded as PNG.
// Payloads that cannot be decoded are returned unchanged so the engine
// can make its own attempt.
func Preprocess(data []byte) []byte {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	gray := binarize(denoise(toGray(src)))

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return data
	}
	return buf.Bytes()
}

func toGray(src image.Image) *image.Gray {
	bounds := src.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, src, bounds.Min, draw.Src)
	return gray
}

// denoise applies a 3x3 median filter, clamping at the edges
func denoise(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	var window [9]uint8

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px := clamp(x+dx, b.Min.X, b.Max.X-1)
					py := clamp(y+dy, b.Min.Y, b.Max.Y-1)
					window[n] = src.GrayAt(px, py).Y
					n++
				}
			}
			sort.Slice(window[:], func(i, j int) bool { return window[i] < window[j] })
			dst.SetGray(x, y, color.Gray{Y: window[4]})
		}
	}
	return dst
}

// binarize maps every pixel to black or white around the Otsu threshold
func binarize(src *image.Gray) *image.Gray {
	t := otsuThreshold(src)
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if src.GrayAt(x, y).Y > t {
				dst.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return dst
}

// otsuThreshold returns the level that maximizes the between-class
// variance of the image histogram.
func otsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[img.GrayAt(x, y).Y]++
		}
	}

	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}

	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var (
		sumBackground float64
		weightBack    int
		best          float64
		threshold     uint8
	)
	for t := 0; t < 256; t++ {
		weightBack += hist[t]
		if weightBack == 0 {
			continue
		}
		weightFore := total - weightBack
		if weightFore == 0 {
			break
		}

		sumBackground += float64(t * hist[t])
		meanBack := sumBackground / float64(weightBack)
		meanFore := (sum - sumBackground) / float64(weightFore)

		between := float64(weightBack) * float64(weightFore) * (meanBack - meanFore) * (meanBack - meanFore)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DetectFormat reports the registered format name of an encoded image,
// or "" when it is not a recognized image.
func DetectFormat(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return format
}
