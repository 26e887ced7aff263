package publish

import (
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/camsync/internal/bundle"
	"github.com/banshee-data/camsync/internal/detect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire layout of one encoded frame:
//
//	{
//	  "frame": "1234",                   // decimal string, lossless for uint64
//	  "trigger_unix_nanos": "17..."      // absent when unknown
//	  "arenas": [
//	    {"arena": 0, "cameras": {"cam1": [{"idx": 0, "x": .., "y": .., "x_distorted": .., "y_distorted": .., "area": ..}]}}
//	  ]
//	}
//
// Arenas filtered out by a subscriber are omitted; the "arena" field keeps
// the original index.

// EncodeUndistorted converts a frame into the stream message. When arenas is
// non-empty only those arena indices are included.
func EncodeUndistorted(u *bundle.Undistorted, arenas map[int]bool) (*structpb.Struct, error) {
	buckets := make([]interface{}, 0, len(u.Arenas))
	for i, b := range u.Arenas {
		if len(arenas) > 0 && !arenas[i] {
			continue
		}
		cams := make(map[string]interface{}, len(b.Cameras))
		for name, pts := range b.Cameras {
			list := make([]interface{}, len(pts))
			for j, p := range pts {
				list[j] = map[string]interface{}{
					"idx":         int(p.Idx),
					"x":           p.X,
					"y":           p.Y,
					"x_distorted": p.Raw.Pt.X0Abs,
					"y_distorted": p.Raw.Pt.Y0Abs,
					"area":        p.Raw.Pt.Area,
				}
			}
			cams[string(name)] = list
		}
		buckets = append(buckets, map[string]interface{}{
			"arena":   i,
			"cameras": cams,
		})
	}

	m := map[string]interface{}{
		"frame":  strconv.FormatUint(uint64(u.Frame), 10),
		"arenas": buckets,
	}
	if u.Trigger != nil {
		m["trigger_unix_nanos"] = strconv.FormatInt(u.Trigger.UnixNano(), 10)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", u.Frame, err)
	}
	return s, nil
}

// DecodeUndistorted is the inverse of EncodeUndistorted, used by stream
// clients. Filtered-out arenas come back as empty buckets so indices line up.
// Only the distorted coordinates and area of the raw point survive the trip.
func DecodeUndistorted(s *structpb.Struct) (*bundle.Undistorted, error) {
	fields := s.GetFields()
	frame, err := strconv.ParseUint(fields["frame"].GetStringValue(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad frame field: %w", err)
	}
	u := &bundle.Undistorted{Frame: detect.FrameNumber(frame)}

	if v, ok := fields["trigger_unix_nanos"]; ok {
		ns, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad trigger field: %w", err)
		}
		t := time.Unix(0, ns)
		u.Trigger = &t
	}

	for _, bv := range fields["arenas"].GetListValue().GetValues() {
		bf := bv.GetStructValue().GetFields()
		idx := int(bf["arena"].GetNumberValue())
		if idx < 0 {
			return nil, fmt.Errorf("bad arena index %d", idx)
		}
		for len(u.Arenas) <= idx {
			u.Arenas = append(u.Arenas, bundle.ArenaBucket{})
		}
		camFields := bf["cameras"].GetStructValue().GetFields()
		if len(camFields) == 0 {
			continue
		}
		bucket := bundle.ArenaBucket{Cameras: make(map[detect.CamName][]bundle.UndistortedPoint, len(camFields))}
		for name, cv := range camFields {
			var pts []bundle.UndistortedPoint
			for _, pv := range cv.GetListValue().GetValues() {
				pf := pv.GetStructValue().GetFields()
				idx := uint8(pf["idx"].GetNumberValue())
				pts = append(pts, bundle.UndistortedPoint{
					Idx: idx,
					X:   pf["x"].GetNumberValue(),
					Y:   pf["y"].GetNumberValue(),
					Raw: detect.NumberedPoint{Idx: idx, Pt: detect.RawPoint{
						X0Abs: pf["x_distorted"].GetNumberValue(),
						Y0Abs: pf["y_distorted"].GetNumberValue(),
						Area:  pf["area"].GetNumberValue(),
					}},
				})
			}
			bucket.Cameras[detect.CamName(name)] = pts
		}
		u.Arenas[idx] = bucket
	}
	return u, nil
}
