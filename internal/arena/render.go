package arena

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// heatMapMaxCols caps the heat map resolution; the LUT is subsampled above it.
const heatMapMaxCols = 160

// RenderDebugImages writes, per camera, the raw LUT as an 8-bit grayscale PNG
// (mini_arenas_<cam>.png) and a labelled heat map (mini_arenas_<cam>_plot.png)
// into dir. Failures are logged and skipped. The written paths are returned.
func RenderDebugImages(imgs Images, cfg Config, dir string) []string {
	if len(imgs) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		diagf("arena debug images: create %s: %v", dir, err)
		return nil
	}

	var written []string
	for _, name := range imgs.Cameras() {
		im := imgs[name]

		raw := filepath.Join(dir, fmt.Sprintf("mini_arenas_%s.png", name))
		if err := writeMono8(im, raw); err != nil {
			diagf("arena debug images: %v", err)
		} else {
			opsf("saved mini arena assignment image to %s", raw)
			written = append(written, raw)
		}

		plotted := filepath.Join(dir, fmt.Sprintf("mini_arenas_%s_plot.png", name))
		if err := writeHeatMap(im, cfg, plotted); err != nil {
			diagf("arena debug images: %v", err)
		} else {
			opsf("saved mini arena heat map to %s", plotted)
			written = append(written, plotted)
		}
	}
	return written
}

// Mono8 returns the LUT as a grayscale image: the arena index for assigned
// pixels (wrapping above 254) and 255 where no arena is visible.
func (im *Image) Mono8() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, im.width, im.height))
	for i, v := range im.cells {
		if v == 0 {
			g.Pix[i] = 255
			continue
		}
		g.Pix[i] = uint8((v - 1) % 255)
	}
	return g
}

func writeMono8(im *Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, im.Mono8()); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// lutGrid adapts an Image to plotter.GridXYZ. Rows are plotted top-down by
// negating the pixel row.
type lutGrid struct {
	im     *Image
	stride int
}

func (g lutGrid) Dims() (c, r int) {
	return (g.im.width + g.stride - 1) / g.stride, (g.im.height + g.stride - 1) / g.stride
}

func (g lutGrid) Z(c, r int) float64 {
	idx, ok := g.im.Lookup(c*g.stride, r*g.stride)
	if !ok {
		return math.NaN()
	}
	return float64(idx)
}

func (g lutGrid) X(c int) float64 { return float64(c * g.stride) }
func (g lutGrid) Y(r int) float64 { return -float64(r * g.stride) }

func writeHeatMap(im *Image, cfg Config, path string) error {
	stride := 1
	if im.width > heatMapMaxCols {
		stride = (im.width + heatMapMaxCols - 1) / heatMapMaxCols
	}
	grid := lutGrid{im: im, stride: stride}

	n := cfg.NumArenas()
	if n < 2 {
		n = 2
	}
	hm := plotter.NewHeatMap(grid, palette.Heat(n, 1))
	hm.NaN = color.White
	hm.Min, hm.Max = 0, float64(n-1)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Mini arenas: %s (%s)", im.camera, cfg)
	p.X.Label.Text = "column (px)"
	p.Y.Label.Text = "-row (px)"
	p.Add(hm)

	if labels, err := arenaLabels(im); err != nil {
		// Missing fonts must not stop the heat map itself.
		diagf("arena labels for %s: %v", im.camera, err)
	} else if labels != nil {
		p.Add(labels)
	}

	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// arenaLabels places each visible arena index at its pixel centroid.
func arenaLabels(im *Image) (*plotter.Labels, error) {
	type acc struct{ sx, sy, n float64 }
	sums := make(map[Index]*acc)
	var order []Index
	for i, v := range im.cells {
		if v == 0 {
			continue
		}
		idx := Index(v - 1)
		a, ok := sums[idx]
		if !ok {
			a = &acc{}
			sums[idx] = a
			order = append(order, idx)
		}
		a.sx += float64(i % im.width)
		a.sy += float64(i / im.width)
		a.n++
	}
	if len(order) == 0 {
		return nil, nil
	}

	xys := make(plotter.XYs, len(order))
	text := make([]string, len(order))
	for i, idx := range order {
		a := sums[idx]
		xys[i] = plotter.XY{X: a.sx / a.n, Y: -a.sy / a.n}
		text[i] = fmt.Sprint(idx)
	}
	return plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: text})
}
