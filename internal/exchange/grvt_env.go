package gateway

import (
	"fmt"
	"strings"
)

// Endpoints GRVT 各服务地址
type Endpoints struct {
	Edge       string // 鉴权
	MarketData string // 公共行情 REST
	Trades     string // 私有交易 REST
	MarketWS   string // 公共行情推送
}

var grvtEndpoints = map[string]Endpoints{
	"prod": {
		Edge:       "https://edge.grvt.io",
		MarketData: "https://market-data.grvt.io",
		Trades:     "https://trades.grvt.io",
		MarketWS:   "wss://market-data.grvt.io/ws/full",
	},
	"testnet": {
		Edge:       "https://edge.testnet.grvt.io",
		MarketData: "https://market-data.testnet.grvt.io",
		Trades:     "https://trades.testnet.grvt.io",
		MarketWS:   "wss://market-data.testnet.grvt.io/ws/full",
	},
	"staging": {
		Edge:       "https://edge.staging.gravitymarkets.io",
		MarketData: "https://market-data.staging.gravitymarkets.io",
		Trades:     "https://trades.staging.gravitymarkets.io",
		MarketWS:   "wss://market-data.staging.gravitymarkets.io/ws/full",
	},
	"dev": {
		Edge:       "https://edge.dev.gravitymarkets.io",
		MarketData: "https://market-data.dev.gravitymarkets.io",
		Trades:     "https://trades.dev.gravitymarkets.io",
		MarketWS:   "wss://market-data.dev.gravitymarkets.io/ws/full",
	},
}

// EndpointsFor 按环境名返回地址
func EndpointsFor(env string) (Endpoints, error) {
	ep, ok := grvtEndpoints[strings.ToLower(strings.TrimSpace(env))]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown grvt env %q", env)
	}
	return ep, nil
}

// candleIntervals 配置周期到 GRVT K 线枚举
var candleIntervals = map[string]string{
	"1m":  "CI_1_M",
	"3m":  "CI_3_M",
	"5m":  "CI_5_M",
	"15m": "CI_15_M",
	"30m": "CI_30_M",
	"1h":  "CI_1_H",
	"2h":  "CI_2_H",
	"4h":  "CI_4_H",
	"6h":  "CI_6_H",
	"8h":  "CI_8_H",
	"12h": "CI_12_H",
	"1d":  "CI_1_D",
}

func candleInterval(timeframe string) string {
	if v, ok := candleIntervals[timeframe]; ok {
		return v
	}
	return "CI_5_M"
}
