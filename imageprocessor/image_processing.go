package imageprocessor

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the similarity above which two assets are duplicates
const DefaultThreshold = 0.9

// SSIM constants for a uniform window over gray levels normalized to [0, 1]
const (
	ssimWindow    = 7
	ssimK1        = 0.01
	ssimK2        = 0.03
	ssimDataRange = 1.0
)

// Compare returns the mean structural similarity of two equally sized
// fingerprints, clamped into [0, 1]. Identical rasters score exactly 1.
func Compare(a, b *Fingerprint) (float64, error) {
	if a == nil || b == nil {
		return 0, errors.New("compare: nil fingerprint")
	}
	if !a.SameShape(b) {
		return 0, &DimensionMismatchError{
			WidthA: a.width, HeightA: a.height,
			WidthB: b.width, HeightB: b.height,
		}
	}

	score := meanSSIM(a, b, windowSize(a.width, a.height))
	if score < 0 {
		return 0, nil
	}
	if score > 1 {
		return 1, nil
	}
	return score, nil
}

// Classify reports whether a score marks a duplicate; the threshold itself is
// not a duplicate
func Classify(score, threshold float64) bool {
	return score > threshold
}

// ValidateThreshold checks that a similarity threshold lies in [0, 1]
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("invalid threshold %v: must be within [0, 1]", threshold)
	}
	return nil
}

// windowSize shrinks the window to the largest odd size that fits the raster
func windowSize(width, height int) int {
	size := ssimWindow
	if m := min(width, height); m < size {
		size = m
		if size%2 == 0 {
			size--
		}
	}
	return size
}

// windowSums holds the sliding sums of one window position
type windowSums struct {
	x, y, xx, yy, xy float64
}

// meanSSIM averages the SSIM map over every window position fully inside the
// raster. Column sums over the current band of rows are kept so each window is
// updated in constant time as it slides.
func meanSSIM(a, b *Fingerprint, win int) float64 {
	width, height := a.width, a.height
	np := float64(win * win)

	covNorm := 1.0
	if np > 1 {
		covNorm = np / (np - 1)
	}
	c1 := (ssimK1 * ssimDataRange) * (ssimK1 * ssimDataRange)
	c2 := (ssimK2 * ssimDataRange) * (ssimK2 * ssimDataRange)

	cols := make([]windowSums, width)
	addRow := func(row int, sign float64) {
		offset := row * width
		for j := 0; j < width; j++ {
			x := float64(a.pix[offset+j]) / 255
			y := float64(b.pix[offset+j]) / 255
			cols[j].x += sign * x
			cols[j].y += sign * y
			cols[j].xx += sign * float64(x*x)
			cols[j].yy += sign * float64(y*y)
			cols[j].xy += sign * float64(x*y)
		}
	}

	for row := 0; row < win; row++ {
		addRow(row, 1)
	}

	var total float64
	count := 0
	for top := 0; top+win <= height; top++ {
		if top > 0 {
			addRow(top-1, -1)
			addRow(top+win-1, 1)
		}

		var s windowSums
		for j := 0; j < win; j++ {
			s.add(cols[j], 1)
		}
		for left := 0; left+win <= width; left++ {
			if left > 0 {
				s.add(cols[left-1], -1)
				s.add(cols[left+win-1], 1)
			}
			total += ssimAt(s, np, covNorm, c1, c2)
			count++
		}
	}

	return total / float64(count)
}

func (s *windowSums) add(c windowSums, sign float64) {
	s.x += sign * c.x
	s.y += sign * c.y
	s.xx += sign * c.xx
	s.yy += sign * c.yy
	s.xy += sign * c.xy
}

// ssimAt evaluates the SSIM formula for one window. Every product is rounded
// explicitly so both operands of an identical pair follow the same path and
// the ratio stays exactly 1.
func ssimAt(s windowSums, np, covNorm, c1, c2 float64) float64 {
	ux := s.x / np
	uy := s.y / np
	uxx := s.xx / np
	uyy := s.yy / np
	uxy := s.xy / np

	vx := covNorm * float64(uxx-float64(ux*ux))
	vy := covNorm * float64(uyy-float64(uy*uy))
	vxy := covNorm * float64(uxy-float64(ux*uy))

	a1 := 2*float64(ux*uy) + c1
	a2 := 2*vxy + c2
	b1 := float64(ux*ux) + float64(uy*uy) + c1
	b2 := vx + vy + c2

	return float64(a1*a2) / float64(b1*b2)
}
