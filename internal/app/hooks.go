package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/alert"
)

// marketHooks 行情看门狗回调：中断/恢复告警，行情陈旧时先重连推送，不支持时重启行情服务
type marketHooks struct {
	c *Coordinator
}

func (h marketHooks) MarketStale(reason string, age time.Duration) {
	h.c.store.SetLastEvent("行情数据中断")
	h.raise(alert.LevelWarn, fmt.Sprintf("行情数据中断 %s（%s 未更新）", h.c.store.Market().Symbol, age.Round(time.Second)))
}

func (h marketHooks) MarketRecovered(reason string) {
	h.c.store.SetLastEvent("行情数据恢复")
	h.raise(alert.LevelInfo, fmt.Sprintf("行情数据恢复 %s", h.c.store.Market().Symbol))
}

func (h marketHooks) Reconnect(reason string) {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ingest == nil || c.ctx == nil {
		return
	}
	if c.gw != nil && c.gw.ReconnectStream() {
		log.Warn().Str("reason", reason).Msg("行情推送已强制重连")
		return
	}
	c.ingest.Stop()
	if err := c.ingest.Start(c.ctx); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("行情服务重启失败")
		return
	}
	log.Warn().Str("reason", reason).Msg("行情服务已重启")
}

func (h marketHooks) raise(level, msg string) {
	if h.c.alerts == nil {
		return
	}
	if err := h.c.alerts.Raise(context.Background(), level, msg); err != nil {
		log.Warn().Err(err).Msg("告警写入失败")
	}
}
