package calibration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// quantileSorted 线性插值分位数（位置 q·(n-1)），sorted 须升序且非空
func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// median 偶数个样本取中间两数均值
func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	return quantileSorted(s, 0.5)
}

// logReturnStd 对数收益的总体标准差
func logReturnStd(closes []float64) float64 {
	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns[i-1] = math.Log(closes[i]) - math.Log(closes[i-1])
	}
	_, std := stat.PopMeanStdDev(returns, nil)
	return std
}

// uniformHistogram 在 [0, upper] 上等宽分箱，末箱为闭区间，超出 upper 的样本丢弃。
// 返回各箱计数与箱中点。
func uniformHistogram(values []float64, upper float64, bins int) (counts, centers []float64) {
	dividers := floats.Span(make([]float64, bins+1), 0, upper)
	dividers[bins] = upper

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	inside := make([]float64, 0, len(sorted))
	atUpper := 0.0
	for _, v := range sorted {
		switch {
		case v < 0 || v > upper:
		case v == upper:
			atUpper++
		default:
			inside = append(inside, v)
		}
	}

	counts = stat.Histogram(nil, dividers, inside, nil)
	counts[bins-1] += atUpper

	centers = make([]float64, bins)
	for i := range centers {
		centers[i] = (dividers[i] + dividers[i+1]) / 2
	}
	return counts, centers
}

// fitLogIntensity 对 log(count+1) 关于距离做最小二乘直线拟合，返回 (截距, 斜率)
func fitLogIntensity(centers, counts []float64) (intercept, slope float64) {
	y := make([]float64, len(counts))
	for i, c := range counts {
		y[i] = math.Log(c + 1)
	}
	return stat.LinearRegression(centers, y, nil, false)
}
