package suggest

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const colorSamples = 10

var palette = []struct {
	name    string
	r, g, b int
}{
	{"Black", 0, 0, 0},
	{"White", 255, 255, 255},
	{"Grey", 128, 128, 128},
	{"Red", 200, 40, 40},
	{"Blue", 40, 80, 200},
	{"Green", 40, 160, 80},
	{"Brown", 120, 80, 40},
}

// DominantColor averages a 10x10 sampling grid of the image at path and
// returns the nearest palette color name.
func DominantColor(path string) (string, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	return nearestPaletteColor(averageColor(img)), nil
}

func averageColor(img image.Image) (int, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stepX, stepY := max(1, w/colorSamples), max(1, h/colorSamples)
	var r, g, bl, n int
	for y := 0; y < h; y += stepY {
		for x := 0; x < w; x += stepX {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			r += int(c.R)
			g += int(c.G)
			bl += int(c.B)
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return r / n, g / n, bl / n
}

func nearestPaletteColor(r, g, b int) string {
	best, bestD := "", math.MaxInt
	for _, p := range palette {
		d := (r-p.r)*(r-p.r) + (g-p.g)*(g-p.g) + (b-p.b)*(b-p.b)
		if d < bestD {
			best, bestD = p.name, d
		}
	}
	return best
}
