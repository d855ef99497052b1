package kernel

import "github.com/born-ml/lite/internal/tensor"

// Stripe is the output-channel range one task writes.
type Stripe struct {
	Task   int
	Offset int // first channel
	Width  int // channels in the tile-rounded space, may be 0
	Valid  int // channels below the real column count, may be 0
}

// Partition splits col output channels over at most threads tasks.
// Task count is min(threads, ceil(col/tile)); every task but the last gets
// ceil(ceil(col/tile)/tasks)*tile channels. Widths cover the rounded column
// space exactly once.
func Partition(threads, col, tile int) []Stripe {
	if col <= 0 || tile <= 0 {
		return nil
	}
	tiles := tensor.UpDiv(col, tile)
	tasks := min(max(threads, 1), tiles)
	stride := tensor.UpDiv(tiles, tasks) * tile
	rounded := tiles * tile

	stripes := make([]Stripe, tasks)
	for task := range stripes {
		offset := task * stride
		stripes[task] = Stripe{
			Task:   task,
			Offset: offset,
			Width:  max(min(stride, rounded-offset), 0),
			Valid:  max(min(stride, col-offset), 0),
		}
	}
	return stripes
}
