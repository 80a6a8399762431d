package mirror

import (
	"math"
	"time"
)

// Aggregate folds every tracked leader's positions into one synthetic leader
// per instrument. Each leader that holds an instrument contributes its size
// with equal weight; leaders without a position in the instrument are not
// counted as zero.
func Aggregate(leaderPositions map[string][]Position) map[string]Position {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, positions := range leaderPositions {
		for _, pos := range positions {
			sums[pos.Instrument] += pos.Size
			counts[pos.Instrument]++
		}
	}
	now := time.Now().UTC()
	aggregated := make(map[string]Position, len(sums))
	for instrument, sum := range sums {
		aggregated[instrument] = Position{
			Instrument: instrument,
			Size:       sum / float64(counts[instrument]),
			UpdatedAt:  now,
		}
	}
	return aggregated
}

// DetectOrphans returns follower instruments with an open position that no
// tracked leader currently holds. The tick loop injects zero-size aggregated
// entries for these so targeting drives them flat.
func DetectOrphans(follower, aggregated map[string]Position) []string {
	var orphans []string
	for instrument, pos := range follower {
		if math.Abs(pos.Size) <= deadZone {
			continue
		}
		if _, ok := aggregated[instrument]; !ok {
			orphans = append(orphans, instrument)
		}
	}
	return orphans
}
