package extract

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// extractImage produces metadata and a synthetic caption instead of text.
// The caption is what gets embedded for image search.
func (e *Extractor) extractImage(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "opening image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "decoding image")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	orientation := "square"
	switch {
	case width > height:
		orientation = "landscape"
	case height > width:
		orientation = "portrait"
	}

	tone := dominantTone(img)
	caption := fmt.Sprintf("%s image in %s tones, %dx%dpx",
		strings.ToUpper(orientation[:1])+orientation[1:], tone, width, height)

	tags := []string{orientation, tone}
	tags = append(tags, filenameTags(path)...)

	return &Result{
		Image: &ImageMeta{
			Width:       width,
			Height:      height,
			Orientation: orientation,
			Tone:        tone,
			Caption:     caption,
			Tags:        tags,
		},
	}, nil
}

// dominantTone samples the image on a coarse grid and names the overall
// color character.
func dominantTone(img image.Image) string {
	bounds := img.Bounds()
	const grid = 16
	stepX := bounds.Dx() / grid
	stepY := bounds.Dy() / grid
	if stepX < 1 {
		stepX = 1
	}
	if stepY < 1 {
		stepY = 1
	}

	var sumR, sumG, sumB, samples uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			sumR += uint64(r >> 8)
			sumG += uint64(g >> 8)
			sumB += uint64(b >> 8)
			samples++
		}
	}
	if samples == 0 {
		return "neutral"
	}
	r := float64(sumR) / float64(samples)
	g := float64(sumG) / float64(samples)
	b := float64(sumB) / float64(samples)
	luma := 0.299*r + 0.587*g + 0.114*b

	maxC, minC := r, r
	for _, c := range []float64{g, b} {
		if c > maxC {
			maxC = c
		}
		if c < minC {
			minC = c
		}
	}
	// Low channel spread means no dominant hue.
	if maxC-minC < 24 {
		switch {
		case luma < 64:
			return "dark"
		case luma > 192:
			return "light"
		default:
			return "gray"
		}
	}
	switch {
	case r >= g && r >= b:
		if g > b+24 {
			return "warm"
		}
		return "red"
	case g >= r && g >= b:
		return "green"
	default:
		return "blue"
	}
}

// filenameTags derives tags from the file name, dropping extension,
// digits-only tokens, and short fragments.
func filenameTags(path string) []string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	fields := strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	var tags []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if strings.Trim(f, "0123456789") == "" {
			continue
		}
		tags = append(tags, f)
	}
	return tags
}
