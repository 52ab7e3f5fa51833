package scheduler

import (
	"math/rand/v2"
	"sort"
)

// computeOrder ranks the wanted chunks under the download's strategy. It is
// recomputed on entry to Running and again after a provider refresh adds
// peers, the only points where availability changes.
func (d *Download) computeOrder() {
	order := make([]uint32, 0, d.totalChunks)
	for i := uint32(0); i < d.totalChunks; i++ {
		order = append(order, i)
	}

	switch d.strategy {
	case Sequential:
		// Already ascending.
	case Random:
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	default: // RarestFirst
		sort.SliceStable(order, func(a, b int) bool {
			availA := d.availability[order[a]]
			availB := d.availability[order[b]]
			if availA != availB {
				return availA < availB
			}
			return order[a] < order[b]
		})
	}

	d.order = order
}
