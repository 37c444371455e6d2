package xent

import "math"

var negInf = float32(math.Inf(-1))

// LogSumExp returns max(x) + log(sum(exp(x - max(x)))).
//
// Entries equal to -Inf are padding and contribute nothing. At least one
// entry must be finite; an all-padding input returns -Inf. Because
// exp(LogSumExp(a)) + exp(LogSumExp(b)) == exp(LogSumExp(a ++ b)), the same
// function folds per-chunk results into the row result.
func LogSumExp(x []float32) float32 {
	return logSumExpLanes(x, 1)
}

// logSumExpLanes is LogSumExp with the exponential sum split over lanes
// independent partial sums.
func logSumExpLanes(x []float32, lanes int) float32 {
	if len(x) == 0 {
		return negInf
	}
	c := x[0]
	for _, v := range x[1:] {
		if v > c {
			c = v
		}
	}
	if math.IsInf(float64(c), 0) {
		return c
	}
	lanes = max(1, min(lanes, len(x)))
	var acc [32]float64
	lanes = min(lanes, len(acc))
	i := 0
	for ; i+lanes <= len(x); i += lanes {
		for l := range lanes {
			acc[l] += math.Exp(float64(x[i+l] - c))
		}
	}
	for l := 0; i < len(x); i, l = i+1, l+1 {
		acc[l] += math.Exp(float64(x[i] - c))
	}
	var sum float64
	for l := range lanes {
		sum += acc[l]
	}
	return c + float32(math.Log(sum))
}

// maskTail fills buf[n:] with -Inf so a short segment reduces like a full
// block.
func maskTail(buf []float32, n int) {
	for i := n; i < len(buf); i++ {
		buf[i] = negInf
	}
}
