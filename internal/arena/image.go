package arena

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sort"

	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
	"golang.org/x/sync/errgroup"
)

// floorZ is the height of the plane arenas live on.
const floorZ = 0.0

// Image maps each distorted pixel of one camera to the arena it sees. Images
// are immutable once built and safe to share between goroutines.
type Image struct {
	camera detect.CamName
	width  int
	height int
	// cells holds idx+1 per pixel, row-major; 0 means no arena.
	cells []uint16
}

// Images holds one Image per calibrated camera.
type Images map[detect.CamName]*Image

// Camera returns the camera the image was built for.
func (im *Image) Camera() detect.CamName { return im.camera }

// Width returns the image width in pixels.
func (im *Image) Width() int { return im.width }

// Height returns the image height in pixels.
func (im *Image) Height() int { return im.height }

// Lookup returns the arena at pixel (x, y). ok is false outside the image or
// where the pixel sees no arena.
func (im *Image) Lookup(x, y int) (Index, bool) {
	if x < 0 || y < 0 || x >= im.width || y >= im.height {
		return 0, false
	}
	v := im.cells[y*im.width+x]
	if v == 0 {
		return 0, false
	}
	return Index(v - 1), true
}

// Bytes returns a stable serialization: width and height as uint32 followed
// by one little-endian uint16 per pixel (0 = none, else index+1).
func (im *Image) Bytes() []byte {
	buf := make([]byte, 8+2*len(im.cells))
	binary.LittleEndian.PutUint32(buf[0:], uint32(im.width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(im.height))
	for i, v := range im.cells {
		binary.LittleEndian.PutUint16(buf[8+2*i:], v)
	}
	return buf
}

// PixelCounts returns how many pixels see each arena.
func (im *Image) PixelCounts() map[Index]int {
	out := make(map[Index]int)
	for _, v := range im.cells {
		if v != 0 {
			out[Index(v-1)]++
		}
	}
	return out
}

// Cameras returns the image camera names in sorted order.
func (imgs Images) Cameras() []detect.CamName {
	out := make([]detect.CamName, 0, len(imgs))
	for name := range imgs {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuildImages ray-casts every pixel of every camera onto the floor and
// classifies the hit with the grid. A nil system or a config without a grid
// yields no images.
func BuildImages(sys calib.System, cfg Config) (Images, error) {
	if sys == nil || !cfg.Enabled() {
		return Images{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	imgs := make(Images)
	for _, cam := range sys.Cameras() {
		imgs[cam.Name()] = buildImage(cam, cfg.XYGrid)
		logImage(imgs[cam.Name()])
	}
	return imgs, nil
}

// BuildImagesParallel is BuildImages with one worker per camera, bounded by
// workers (GOMAXPROCS when <= 0). The result is identical to BuildImages.
func BuildImagesParallel(ctx context.Context, sys calib.System, cfg Config, workers int) (Images, error) {
	if sys == nil || !cfg.Enabled() {
		return Images{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	cams := sys.Cameras()
	built := make([]*Image, len(cams))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, cam := range cams {
		i, cam := i, cam
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("build arena image for %s: %w", cam.Name(), err)
			}
			built[i] = buildImage(cam, cfg.XYGrid)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	imgs := make(Images, len(built))
	for _, im := range built {
		imgs[im.camera] = im
		logImage(im)
	}
	return imgs, nil
}

func buildImage(cam calib.Camera, grid *XYGrid) *Image {
	w, h := cam.Width(), cam.Height()
	im := &Image{
		camera: cam.Name(),
		width:  w,
		height: h,
		cells:  make([]uint16, w*h),
	}
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			ray := cam.UnprojectToRay(calib.Pixel{X: float64(col), Y: float64(row)})
			hit, ok := ray.IntersectZ(floorZ)
			if !ok {
				continue
			}
			if idx, ok := grid.Locate(hit); ok {
				im.cells[row*w+col] = uint16(idx) + 1
			}
		}
	}
	return im
}

func logImage(im *Image) {
	counts := im.PixelCounts()
	covered := 0
	for _, n := range counts {
		covered += n
	}
	opsf("built arena image for %s: %dx%d, %d arenas visible, %d/%d pixels assigned",
		im.camera, im.width, im.height, len(counts), covered, len(im.cells))
}
