package loader

import (
	"sort"

	"github.com/philippevezina/table-loader/internal/config"
	"github.com/philippevezina/table-loader/internal/state"
)

// Plan lists the chunk indices a run will load, in file order.
type Plan struct {
	Strategy string
	Chunks   []int
	// Skipped counts chunks of the layout left out of the plan.
	Skipped int
}

// EstimateResumePoint returns how many leading chunks are already present
// in a destination holding destRows rows. It walks the boundaries and stops
// before the cumulative row count would exceed destRows, so a partially
// loaded chunk is planned again.
func EstimateResumePoint(destRows int64, boundaries []int64) int {
	if destRows <= 0 {
		return 0
	}
	var cumulative int64
	for i, rows := range boundaries {
		if cumulative+rows > destRows {
			return i
		}
		cumulative += rows
	}
	return len(boundaries)
}

// PlanFromSkip plans chunks skip..total-1.
func PlanFromSkip(skip, total int) *Plan {
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	p := &Plan{Strategy: config.ResumeNone, Skipped: skip, Chunks: make([]int, 0, total-skip)}
	for i := skip; i < total; i++ {
		p.Chunks = append(p.Chunks, i)
	}
	return p
}

// PlanFromRowCount skips the chunks the destination row count accounts for.
func PlanFromRowCount(destRows int64, boundaries []int64) *Plan {
	p := PlanFromSkip(EstimateResumePoint(destRows, boundaries), len(boundaries))
	p.Strategy = config.ResumeRowCount
	return p
}

// PlanFromLedger plans every chunk without a committed record. With
// onlyFailed it plans only dead-lettered chunks.
func PlanFromLedger(ledger *state.Ledger, total int, onlyFailed bool) *Plan {
	p := &Plan{Strategy: config.ResumeLedger}
	if onlyFailed {
		for idx := range ledger.Failed {
			if idx < total {
				p.Chunks = append(p.Chunks, idx)
			}
		}
		sort.Ints(p.Chunks)
	} else {
		for i := 0; i < total; i++ {
			if _, done := ledger.Committed[i]; !done {
				p.Chunks = append(p.Chunks, i)
			}
		}
	}
	p.Skipped = total - len(p.Chunks)
	return p
}
