package arena

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/banshee-data/camsync/internal/calib"
	"github.com/banshee-data/camsync/internal/detect"
)

// Assignment records which arena one detection was routed to.
type Assignment struct {
	Frame       detect.FrameNumber
	Camera      detect.CamName
	Idx         uint8
	Distorted   calib.Pixel
	Undistorted calib.Pixel
	Arena       Index
}

var assignmentHeader = []string{
	"frame", "camn_name", "idx",
	"x_distorted", "y_distorted",
	"x_undistorted", "y_undistorted",
	"mini_arena_idx",
}

// AssignmentWriter writes Assignments as CSV.
type AssignmentWriter struct {
	w           *csv.Writer
	wroteHeader bool
	rows        int
}

// NewAssignmentWriter wraps w. The header is written with the first row.
func NewAssignmentWriter(w io.Writer) *AssignmentWriter {
	return &AssignmentWriter{w: csv.NewWriter(w)}
}

// Write appends one row.
func (a *AssignmentWriter) Write(as Assignment) error {
	if !a.wroteHeader {
		if err := a.w.Write(assignmentHeader); err != nil {
			return fmt.Errorf("write assignment header: %w", err)
		}
		a.wroteHeader = true
	}
	row := []string{
		strconv.FormatUint(uint64(as.Frame), 10),
		string(as.Camera),
		strconv.Itoa(int(as.Idx)),
		formatFloat(as.Distorted.X),
		formatFloat(as.Distorted.Y),
		formatFloat(as.Undistorted.X),
		formatFloat(as.Undistorted.Y),
		strconv.Itoa(int(as.Arena)),
	}
	if err := a.w.Write(row); err != nil {
		return fmt.Errorf("write assignment row: %w", err)
	}
	a.rows++
	tracef("assignment frame=%d cam=%s idx=%d arena=%d", as.Frame, as.Camera, as.Idx, as.Arena)
	return nil
}

// Flush flushes buffered rows and reports any write error.
func (a *AssignmentWriter) Flush() error {
	a.w.Flush()
	return a.w.Error()
}

// Rows returns the number of rows written, excluding the header.
func (a *AssignmentWriter) Rows() int { return a.rows }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
