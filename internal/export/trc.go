// Package export writes reconstructed trials for the augmentation and
// musculoskeletal tooling: OpenSim TRC marker files and a JSON frame
// sequence.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/golang/geo/r3"
)

// ErrMalformedTRC is returned by ReadTRC for files it cannot parse.
var ErrMalformedTRC = errors.New("malformed TRC file")

// WriteTRC writes frames as an OpenSim TRC marker file in meters. Frame
// numbers start at 1 and time at 0 for the first frame; missing points are
// written as empty fields.
func WriteTRC(w io.Writer, fileName string, frameRate float64, joints []string, frames []keypoints.Frame3D) error {
	if frameRate <= 0 {
		return fmt.Errorf("invalid frame rate %v", frameRate)
	}
	bw := bufio.NewWriter(w)
	rate := strconv.FormatFloat(frameRate, 'f', 2, 64)
	n := strconv.Itoa(len(frames))
	fmt.Fprintf(bw, "PathFileType\t4\t(X/Y/Z)\t%s\n", fileName)
	bw.WriteString("DataRate\tCameraRate\tNumFrames\tNumMarkers\tUnits\tOrigDataRate\tOrigDataStartFrame\tOrigNumFrames\n")
	fmt.Fprintf(bw, "%s\t%s\t%s\t%d\tm\t%s\t1\t%s\n", rate, rate, n, len(joints), rate, n)

	bw.WriteString("Frame#\tTime")
	for _, j := range joints {
		fmt.Fprintf(bw, "\t%s\t\t", j)
	}
	bw.WriteString("\n\t")
	for i := range joints {
		fmt.Fprintf(bw, "\tX%d\tY%d\tZ%d", i+1, i+1, i+1)
	}
	bw.WriteString("\n\n")

	first := 0
	if len(frames) > 0 {
		first = frames[0].Frame
	}
	for i, f := range frames {
		if len(f.Points) != len(joints) {
			return fmt.Errorf("frame %d has %d points, want %d", f.Frame, len(f.Points), len(joints))
		}
		t := float64(f.Frame-first) / frameRate
		fmt.Fprintf(bw, "%d\t%s", i+1, strconv.FormatFloat(t, 'f', 5, 64))
		for _, p := range f.Points {
			if !p.Present {
				bw.WriteString("\t\t\t")
				continue
			}
			fmt.Fprintf(bw, "\t%s\t%s\t%s", ftoa(p.Position.X), ftoa(p.Position.Y), ftoa(p.Position.Z))
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

// TRC is a parsed marker file.
type TRC struct {
	FileName  string
	FrameRate float64
	Joints    []string
	Times     []float64
	// Frames holds one Frame3D per data row; Frame is the row's Frame# value.
	Frames []keypoints.Frame3D
}

// ReadTRC parses a marker file written by WriteTRC. Empty coordinate
// triples are read as missing points.
func ReadTRC(r io.Reader) (*TRC, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 5 {
		return nil, fmt.Errorf("%w: %d header lines", ErrMalformedTRC, len(lines))
	}

	out := &TRC{}
	head := strings.Split(lines[0], "\t")
	if len(head) < 4 || head[0] != "PathFileType" {
		return nil, fmt.Errorf("%w: missing PathFileType", ErrMalformedTRC)
	}
	out.FileName = head[3]

	meta := strings.Split(lines[2], "\t")
	if len(meta) < 4 {
		return nil, fmt.Errorf("%w: short metadata line", ErrMalformedTRC)
	}
	rate, err := strconv.ParseFloat(meta[0], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: data rate: %v", ErrMalformedTRC, err)
	}
	out.FrameRate = rate
	numMarkers, err := strconv.Atoi(meta[3])
	if err != nil {
		return nil, fmt.Errorf("%w: marker count: %v", ErrMalformedTRC, err)
	}

	names := strings.Split(lines[3], "\t")
	for i := 0; i < numMarkers; i++ {
		col := 2 + 3*i
		if col >= len(names) || names[col] == "" {
			return nil, fmt.Errorf("%w: marker %d has no name", ErrMalformedTRC, i+1)
		}
		out.Joints = append(out.Joints, names[col])
	}

	for _, line := range lines[5:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2+3*numMarkers {
			padded := make([]string, 2+3*numMarkers)
			copy(padded, fields)
			fields = padded
		}
		frameNo, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: frame number %q", ErrMalformedTRC, fields[0])
		}
		t, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: time %q", ErrMalformedTRC, fields[1])
		}
		f := keypoints.Frame3D{Frame: frameNo, Points: make([]keypoints.Keypoint3D, numMarkers)}
		for i := 0; i < numMarkers; i++ {
			p := keypoints.Keypoint3D{Joint: out.Joints[i], Frame: frameNo}
			xyz := fields[2+3*i : 5+3*i]
			if xyz[0] != "" && xyz[1] != "" && xyz[2] != "" {
				var v [3]float64
				for k := range v {
					if v[k], err = strconv.ParseFloat(xyz[k], 64); err != nil {
						return nil, fmt.Errorf("%w: frame %d marker %s: %v", ErrMalformedTRC, frameNo, out.Joints[i], err)
					}
				}
				if !math.IsNaN(v[0]) {
					p.Position = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
					p.Present = true
				}
			}
			f.Points[i] = p
		}
		out.Times = append(out.Times, t)
		out.Frames = append(out.Frames, f)
	}
	return out, nil
}
