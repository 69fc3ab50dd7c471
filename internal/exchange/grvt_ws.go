package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const tickerStream = "v1.ticker.s"

type wsSubscribe struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Stream    string   `json:"stream"`
		Selectors []string `json:"selectors"`
	} `json:"params"`
	ID int64 `json:"id"`
}

// tickerFrame 推送帧；行情可能位于 feed/result/data/payload 任一字段
type tickerFrame struct {
	Feed    *RawTicker `json:"feed"`
	Result  *RawTicker `json:"result"`
	Data    *RawTicker `json:"data"`
	Payload *RawTicker `json:"payload"`
}

// ParseTickerFrame 解析推送帧；不含价格的帧（订阅确认等）返回 ok=false
func ParseTickerFrame(msg []byte) (RawTicker, bool) {
	var f tickerFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return RawTicker{}, false
	}
	for _, t := range []*RawTicker{f.Feed, f.Result, f.Data, f.Payload} {
		if t != nil && t.hasPrice() {
			return *t, true
		}
	}
	var flat RawTicker
	if err := json.Unmarshal(msg, &flat); err == nil && flat.hasPrice() {
		return flat, true
	}
	return RawTicker{}, false
}

func (t RawTicker) hasPrice() bool {
	return t.MidPrice != "" || t.MarkPrice != "" || t.LastPrice != "" || t.BestBidPrice != "" || t.BestAskPrice != ""
}

var subscribeSeq atomic.Int64

// SubscribeTicker 订阅 ticker.s（500ms），阻塞直到 ctx 结束或客户端关闭
func (c *GRVTClient) SubscribeTicker(ctx context.Context, symbol string, onTicker func(RawTicker)) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	sub := wsSubscribe{JSONRPC: "2.0", Method: "subscribe"}
	sub.Params.Stream = tickerStream
	sub.Params.Selectors = []string{symbol + "@500"}

	onConnect := func(m *WSReconnectManager) error {
		sub.ID = subscribeSeq.Add(1)
		if err := m.WriteJSON(sub); err != nil {
			return err
		}
		log.Info().Str("symbol", symbol).Str("stream", tickerStream).Msg("行情推送已订阅")
		return nil
	}
	onMessage := func(msg []byte) {
		if t, ok := ParseTickerFrame(msg); ok {
			onTicker(t)
		}
	}

	mgr := NewWSReconnectManager(c.endpoints.MarketWS, c.cfg.WS, onConnect, onMessage)
	mgr.Start(ctx)
	c.wsMu.Lock()
	c.wsMgrs[mgr] = struct{}{}
	c.wsMu.Unlock()
	defer func() {
		c.wsMu.Lock()
		delete(c.wsMgrs, mgr)
		c.wsMu.Unlock()
	}()

	select {
	case <-ctx.Done():
		_ = mgr.Stop()
		return nil
	case <-mgr.Done():
		if ctx.Err() != nil {
			return nil
		}
		return errStreamClosed
	}
}
