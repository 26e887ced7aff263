package pipeline

import (
	"bytes"
	"fmt"
	"image/png"
	"net/http"
	"time"

	"github.com/banshee-data/camsync/internal/detect"
	"github.com/banshee-data/camsync/internal/httputil"
	"github.com/banshee-data/camsync/internal/version"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts live statistics, a recent-bundle chart and the
// arena lookup images on the tsweb debug page of mux.
func (p *Pipeline) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Bundles emitted", func() any { return p.stats.Snapshot().Bundles })
	debug.KVFunc("Late packets dropped", func() any { return p.stats.Snapshot().DroppedLate })
	debug.KVFunc("Last frame", func() any { return p.stats.Snapshot().LastFrame })
	debug.KV("Mini arenas", p.cfg.Arenas.String())
	debug.KV("Version", version.String())

	debug.HandleFunc("stats", "Bundler and partition counters (JSON)", p.handleStats)
	debug.HandleFunc("bundles", "Cameras and latency of recent bundles", p.handleBundleChart)
	debug.HandleFunc("arena-image", "Arena lookup image of one camera (?camera=name)", p.handleArenaImage)
}

type statsJSON struct {
	Packets            uint64  `json:"packets"`
	Bundles            uint64  `json:"bundles"`
	CompleteBundles    uint64  `json:"complete_bundles"`
	IncompleteBundles  uint64  `json:"incomplete_bundles"`
	DroppedLate        uint64  `json:"dropped_late"`
	NaNPoints          uint64  `json:"nan_points"`
	GapBundles         uint64  `json:"gap_bundles"`
	PartitionedPoints  uint64  `json:"partitioned_points"`
	UncalibratedPoints uint64  `json:"uncalibrated_points"`
	OutsideArenaPoints uint64  `json:"outside_arena_points"`
	MissingImagePoints uint64  `json:"missing_image_points"`
	MeanLatencyMs      float64 `json:"mean_latency_ms"`
	MaxLatencyMs       float64 `json:"max_latency_ms"`
	LastFrame          uint64  `json:"last_frame"`
}

func (p *Pipeline) handleStats(w http.ResponseWriter, r *http.Request) {
	s := p.stats.Snapshot()
	out := statsJSON{
		Packets:            s.Packets,
		Bundles:            s.Bundles,
		CompleteBundles:    s.CompleteBundles,
		IncompleteBundles:  s.IncompleteBundles,
		DroppedLate:        s.DroppedLate,
		NaNPoints:          s.NaNPoints,
		GapBundles:         s.GapBundles,
		PartitionedPoints:  s.PartitionedPoints,
		UncalibratedPoints: s.UncalibratedPoints,
		OutsideArenaPoints: s.OutsideArenaPoints,
		MissingImagePoints: s.MissingImagePoints,
		MeanLatencyMs:      float64(s.MeanLatency) / float64(time.Millisecond),
		MaxLatencyMs:       float64(s.MaxLatency) / float64(time.Millisecond),
		LastFrame:          s.LastFrame,
	}
	httputil.WriteJSONOK(w, out)
}

func (p *Pipeline) handleBundleChart(w http.ResponseWriter, r *http.Request) {
	recent := p.stats.Recent()

	frames := make([]string, len(recent))
	cams := make([]opts.LineData, len(recent))
	latency := make([]opts.LineData, len(recent))
	for i, b := range recent {
		frames[i] = fmt.Sprint(b.Frame)
		cams[i] = opts.LineData{Value: b.Cameras}
		latency[i] = opts.LineData{Value: float64(b.Latency) / float64(time.Millisecond)}
	}

	camChart := charts.NewLine()
	camChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Recent bundles", Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Cameras per bundle", Subtitle: fmt.Sprintf("last %d bundles", len(recent))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "cameras", Min: 0}),
	)
	camChart.SetXAxis(frames).AddSeries("cameras", cams)

	latChart := charts.NewLine()
	latChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Bundle latency", Subtitle: "first packet to emit (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	latChart.SetXAxis(frames).AddSeries("latency", latency)

	page := components.NewPage()
	page.AddCharts(camChart, latChart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (p *Pipeline) handleArenaImage(w http.ResponseWriter, r *http.Request) {
	name := detect.CamName(r.URL.Query().Get("camera"))
	img, ok := p.cfg.Images[name]
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no arena image for camera %q (have %v)", name, p.cfg.Images.Cameras()))
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.Mono8()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode image: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
