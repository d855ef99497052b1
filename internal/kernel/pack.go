package kernel

import (
	"github.com/born-ml/lite/internal/ops"
	"github.com/born-ml/lite/internal/tensor"
)

// RowMajor2ColTileMajor packs a row-major [row, col] matrix into blocks of
// tile rows. Inside a block, the tile values of one column are contiguous:
//
//	dst[(r/tile)*col*tile + c*tile + r%tile] = src[r*col + c]
//
// dst must hold UpRound(row, tile)*col values; padding rows are zeroed.
func RowMajor2ColTileMajor(src, dst []float32, row, col, tile int) {
	for r := 0; r < row; r++ {
		packRow(src, dst, r, col, tile)
	}
	clearPadding(dst, row, col, tile)
}

// clearPadding zeroes the lanes of the rows between row and the next
// multiple of tile.
func clearPadding(dst []float32, row, col, tile int) {
	for r := row; r < tensor.UpRound(row, tile); r++ {
		block := (r / tile) * col * tile
		lane := r % tile
		for c := 0; c < col; c++ {
			dst[block+c*tile+lane] = 0
		}
	}
}

// packRow packs row r of src. Rows are independent, so callers may pack them
// concurrently.
func packRow(src, dst []float32, r, col, tile int) {
	block := (r / tile) * col * tile
	lane := r % tile
	line := src[r*col : (r+1)*col]
	for c, v := range line {
		dst[block+c*tile+lane] = v
	}
}

// Im2col gathers the receptive field of every output pixel of one NHWC
// image into a row of dst. dst is [OutH*OutW, KernelH*KernelW*InC] with
// columns in weight order (kh, kw, ic); taps that fall into padding are zero.
func Im2col(dst, src []float32, c *ops.Conv2D, g ops.Geometry) {
	deep := c.KernelH * c.KernelW * g.InC
	row := 0
	for oh := 0; oh < g.OutH; oh++ {
		for ow := 0; ow < g.OutW; ow++ {
			hStart := oh*c.StrideH - g.Pads.Top
			wStart := ow*c.StrideW - g.Pads.Left
			out := dst[row*deep : (row+1)*deep]
			idx := 0
			for kh := 0; kh < c.KernelH; kh++ {
				h := hStart + kh*c.DilationH
				for kw := 0; kw < c.KernelW; kw++ {
					w := wStart + kw*c.DilationW
					if h < 0 || h >= g.InH || w < 0 || w >= g.InW {
						clear(out[idx : idx+g.InC])
					} else {
						base := (h*g.InW + w) * g.InC
						copy(out[idx:idx+g.InC], src[base:base+g.InC])
					}
					idx += g.InC
				}
			}
			row++
		}
	}
}
