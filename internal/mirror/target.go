package mirror

import "math"

// CalculateTarget scales a leader size by the copy ratio and measures the gap
// to the follower's current size. It is a pure multiply: out-of-range ratios
// are the caller's problem, not rejected here.
func CalculateTarget(instrument string, leaderSize, currentSize, ratio float64) PositionTarget {
	targetSize := leaderSize * ratio
	return PositionTarget{
		Instrument:  instrument,
		TargetSize:  targetSize,
		CurrentSize: currentSize,
		Delta:       targetSize - currentSize,
	}
}

// ComputeTargets derives one target per instrument over the union of leader
// and follower instruments. An instrument missing from the leader map targets
// zero (a close signal); one missing from the follower map starts from zero.
// Targets inside the dead zone are dropped. Output order is unspecified.
func ComputeTargets(aggregated, follower map[string]Position, ratio float64) []PositionTarget {
	instruments := make(map[string]struct{}, len(aggregated)+len(follower))
	for instrument := range aggregated {
		instruments[instrument] = struct{}{}
	}
	for instrument := range follower {
		instruments[instrument] = struct{}{}
	}
	targets := make([]PositionTarget, 0, len(instruments))
	for instrument := range instruments {
		leaderSize := aggregated[instrument].Size
		currentSize := follower[instrument].Size
		target := CalculateTarget(instrument, leaderSize, currentSize, ratio)
		if math.Abs(target.Delta) <= deadZone {
			continue
		}
		targets = append(targets, target)
	}
	return targets
}

// GenerateOrders turns one target into one or more bounded order requests.
// With notionalCapUSD <= 0 chunking is disabled and a single full-size order
// is emitted; otherwise the size is split into chunks of at most
// notionalCapUSD/markPrice each.
func GenerateOrders(target PositionTarget, markPrice, notionalCapUSD float64, tif Tif) []OrderRequest {
	side := SideSell
	if target.Delta > 0 {
		side = SideBuy
	}
	sizeToTrade := math.Abs(target.Delta)
	reduceOnly := isReducingPosition(target.CurrentSize, target.TargetSize)

	if notionalCapUSD <= 0 || markPrice <= 0 {
		return []OrderRequest{{
			Instrument: target.Instrument,
			Side:       side,
			Size:       sizeToTrade,
			Tif:        tif,
			ReduceOnly: reduceOnly,
		}}
	}

	maxSizePerOrder := notionalCapUSD / markPrice
	if sizeToTrade <= maxSizePerOrder {
		return []OrderRequest{{
			Instrument: target.Instrument,
			Side:       side,
			Size:       sizeToTrade,
			Tif:        tif,
			ReduceOnly: reduceOnly,
		}}
	}

	var orders []OrderRequest
	remaining := sizeToTrade
	for remaining > deadZone {
		chunk := math.Min(remaining, maxSizePerOrder)
		orders = append(orders, OrderRequest{
			Instrument: target.Instrument,
			Side:       side,
			Size:       chunk,
			Tif:        tif,
			ReduceOnly: reduceOnly,
		})
		remaining -= chunk
	}
	return orders
}

// isReducingPosition reports whether moving from current to target shrinks the
// exposure on the side the position is currently on. The comparison is
// deliberately one-sided: a flip from long 10 to short 5 still counts as
// reducing because -5 < 10. Opening from flat never reduces.
func isReducingPosition(currentSize, targetSize float64) bool {
	switch {
	case currentSize > 0:
		return targetSize < currentSize
	case currentSize < 0:
		return targetSize > currentSize
	default:
		return false
	}
}
