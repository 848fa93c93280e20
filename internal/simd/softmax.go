package simd

import "math"

var softmaxImpl func(x []float32)

func Softmax(x []float32) {
	softmaxImpl(x)
}

func init() {
	softmaxImpl = softmaxFallback
}

func softmaxFallback(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := float32(0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}

	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

// LogSumExp returns log(sum(exp(x))) without overflowing on large scores
func LogSumExp(x []float32) float32 {
	if len(x) == 0 {
		return float32(math.Inf(-1))
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	if math.IsInf(float64(max), -1) {
		return max
	}

	sum := 0.0
	for _, v := range x {
		sum += math.Exp(float64(v - max))
	}
	return max + float32(math.Log(sum))
}

// LogSoftmax writes log-probabilities into dst, leaving x untouched.
// dst and x may be the same slice.
func LogSoftmax(dst, x []float32) {
	lse := LogSumExp(x)
	for i := range x {
		dst[i] = x[i] - lse
	}
}
