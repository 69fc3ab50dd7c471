package strategy

import "math"

// minK k 的下限，避免除零
const minK = 1e-9

// Params 单次报价所需的模型参数
type Params struct {
	Gamma              float64 // 风险厌恶系数
	Sigma              float64 // 波动率
	A                  float64 // 订单到达强度
	K                  float64 // 强度衰减系数
	OrderSize          float64 // 下单量，同时作为深度尺度参与系数计算
	TimeHorizonSeconds int     // 持仓时间视界
}

// Quote 报价结果
type Quote struct {
	Bid         float64
	Ask         float64
	Spread      float64
	Reservation float64
}

// Valid 买价、卖价为正且不交叉
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Bid < q.Ask
}

// Coefficients 计算 GLFT 近似解的 c1、c2。
// delta 沿用下单量，这是对深度尺度的建模选择，保持原公式不变。
func Coefficients(gamma, delta, a, k float64) (c1, c2 float64) {
	k = math.Max(k, minK)
	gd := gamma * delta
	c1 = 1.0 / gd * math.Log(1+gd/k)
	c2 = math.Sqrt(gamma / (2 * a * delta * k) * math.Pow(1+gd/k, k/gd+1))
	return c1, c2
}

// ComputeQuotes 根据中间价与库存计算对称于保留价的买卖价。
// 调用方需丢弃 Valid() 为 false 的结果。
func ComputeQuotes(mid, inventory float64, p Params) Quote {
	c1, c2 := Coefficients(p.Gamma, p.OrderSize, p.A, p.K)

	halfSpread := c1 + p.OrderSize/2.0*c2*p.Sigma
	timeFactor := float64(max(p.TimeHorizonSeconds, 1)) / 3600.0
	skew := c2 * p.Sigma * math.Sqrt(timeFactor)

	reservation := mid - skew*inventory
	bid := reservation - halfSpread
	ask := reservation + halfSpread

	return Quote{
		Bid:         bid,
		Ask:         ask,
		Spread:      ask - bid,
		Reservation: reservation,
	}
}

// TuneGamma 库存自适应：库存接近上限时风险厌恶线性放大到 2 倍
func TuneGamma(gamma, inventoryUSD, inventoryCapUSD float64) float64 {
	ratio := math.Min(math.Abs(inventoryUSD)/math.Max(inventoryCapUSD, 1e-6), 1.0)
	return gamma * (1.0 + ratio)
}
