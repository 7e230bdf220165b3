package imageprocessor

import (
	"encoding/hex"
	"fmt"
	"math/bits"
)

const hashSide = 8

// computeAverageHash block-averages the raster down to 8x8 and sets one bit per
// cell that is at or above the overall mean. Rasters smaller than 8 pixels on
// a side reuse edge pixels so every cell covers at least one pixel.
func computeAverageHash(pix []uint8, width, height int) string {
	var cells [hashSide * hashSide]float64
	var total float64

	for cy := 0; cy < hashSide; cy++ {
		y0, y1 := cellSpan(cy, height)
		for cx := 0; cx < hashSide; cx++ {
			x0, x1 := cellSpan(cx, width)

			var sum uint64
			for y := y0; y < y1; y++ {
				row := pix[y*width : (y+1)*width]
				for x := x0; x < x1; x++ {
					sum += uint64(row[x])
				}
			}
			mean := float64(sum) / float64((y1-y0)*(x1-x0))
			cells[cy*hashSide+cx] = mean
			total += mean
		}
	}

	threshold := total / float64(len(cells))

	var hash uint64
	for _, v := range cells {
		hash <<= 1
		if v >= threshold {
			hash |= 1
		}
	}

	var buf [8]byte
	for i := range buf {
		buf[i] = byte(hash >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// cellSpan returns the half-open pixel range covered by hash cell i
func cellSpan(i, size int) (int, int) {
	start := i * size / hashSide
	end := (i + 1) * size / hashSide
	if end <= start {
		end = start + 1
	}
	if end > size {
		start, end = size-1, size
	}
	return start, end
}

// HammingDistance counts differing bits between two hex average hashes
func HammingDistance(a, b string) (int, error) {
	ha, err := hex.DecodeString(a)
	if err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", a, err)
	}
	hb, err := hex.DecodeString(b)
	if err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", b, err)
	}
	if len(ha) != len(hb) {
		return 0, fmt.Errorf("hash lengths differ: %d vs %d", len(ha), len(hb))
	}

	distance := 0
	for i := range ha {
		distance += bits.OnesCount8(ha[i] ^ hb[i])
	}
	return distance, nil
}
