// Package detect owns the per-camera detection data model.
//
// Responsibilities: camera identity, raw 2D feature points as delivered by
// the feature detector, and per-camera per-frame packets.
// Key types: CamNum, CamName, FrameNumber, Packet, NumberedPoint.
//
// Ingestion (network, CSV, drivers) lives outside this module; producers are
// expected to hand over well-typed Packets.
package detect

import (
	"fmt"
	"math"
	"time"
)

// CamNum is the small integer identifying a camera for the lifetime of a run.
type CamNum uint8

// CamName is the camera name as used by the calibration.
type CamName string

// FrameNumber is the synchronized trigger tick shared by all cameras.
type FrameNumber uint64

// SlopeEcc holds the optional shape descriptors of a detection.
type SlopeEcc struct {
	Slope        float64
	Eccentricity float64
}

// RawPoint is one detected feature in one camera frame, in distorted pixels.
type RawPoint struct {
	X0Abs     float64   // distorted x (pixels)
	Y0Abs     float64   // distorted y (pixels)
	Area      float64   // blob area (pixels²)
	Shape     *SlopeEcc // nil when the detector did not fit an ellipse
	CurVal    uint8     // current intensity at the peak
	MeanVal   float64   // background mean at the peak
	SumSqfVal float64   // background variance estimate
}

// HasNaN reports whether either coordinate is NaN.
func (p RawPoint) HasNaN() bool {
	return math.IsNaN(p.X0Abs) || math.IsNaN(p.Y0Abs)
}

// NumberedPoint is a RawPoint tagged with its per-frame arrival index.
type NumberedPoint struct {
	Idx uint8
	Pt  RawPoint
}

// FrameData is the per-camera header of a packet.
type FrameData struct {
	CamName         CamName
	CamNum          CamNum
	Frame           FrameNumber // frame number after synchronization
	Trigger         *time.Time  // time the hardware trigger fired, if modelled
	CamReceived     time.Time   // time the camera host received the image
	DeviceTimestamp *uint64     // camera clock, if reported
	BlockID         *uint64     // camera frame counter, if reported
}

// Packet is the detection output of a single camera for a single frame.
type Packet struct {
	FrameData
	Points []NumberedPoint
}

// String implements fmt.Stringer for log output.
func (p *Packet) String() string {
	return fmt.Sprintf("packet{cam=%s(%d) frame=%d points=%d}", p.CamName, p.CamNum, p.Frame, len(p.Points))
}

// NumberPoints assigns arrival-order indices to raw points. Indices saturate
// at 255; detectors emit far fewer points per frame.
func NumberPoints(pts []RawPoint) []NumberedPoint {
	out := make([]NumberedPoint, len(pts))
	for i, pt := range pts {
		idx := i
		if idx > math.MaxUint8 {
			idx = math.MaxUint8
		}
		out[i] = NumberedPoint{Idx: uint8(idx), Pt: pt}
	}
	return out
}
