package engine

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/config"
	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/store"
	"github.com/newplayman/glft-maker/internal/strategy"
)

// quoteSide 一侧报价的下单方向与失败提示
type quoteSide struct {
	side      store.Side
	orderSide string
	failMsg   string
}

var (
	bidSide = quoteSide{side: store.SideBid, orderSide: "buy", failMsg: "买单提交失败"}
	askSide = quoteSide{side: store.SideAsk, orderSide: "sell", failMsg: "卖单提交失败"}
)

func computeQuote(mid, inventory, size, gamma float64, p config.StrategyParams) strategy.Quote {
	return strategy.ComputeQuotes(mid, inventory, strategy.Params{
		Gamma:              gamma,
		Sigma:              p.Sigma,
		A:                  p.A,
		K:                  p.K,
		OrderSize:          size,
		TimeHorizonSeconds: p.TimeHorizonSeconds,
	})
}

// unchanged 与上次报价相同则不动
func (c *Controller) unchanged(bid, ask float64) bool {
	return math.Abs(bid-c.lastBid) < churnEpsilon && math.Abs(ask-c.lastAsk) < churnEpsilon
}

// reconcile 两侧独立撤旧挂新，任一侧失败不影响另一侧
func (c *Controller) reconcile(ctx context.Context, bid, ask, size float64) {
	if c.unchanged(bid, ask) {
		return
	}
	c.requote(ctx, bidSide, bid, size)
	c.requote(ctx, askSide, ask, size)
	c.lastBid, c.lastAsk = bid, ask
}

func (c *Controller) requote(ctx context.Context, qs quoteSide, price, size float64) {
	if orderID, ok := c.store.OpenOrderID(qs.side); ok {
		if err := c.exch.CancelOrder(ctx, orderID); err != nil {
			// 订单可能已成交或过期
			log.Debug().Err(err).Str("order_id", orderID).Msg("撤单失败，忽略")
		} else {
			c.risk.RecordCancel()
			metrics.RecordCancel(c.symbol, qs.orderSide)
			if err := c.repo.UpdateOrderStatus(ctx, orderID, OrderStatusCanceled); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("order_id", orderID).Msg("订单状态落库失败")
			}
		}
		c.store.ClearOrder(qs.side)
	}
	if ctx.Err() != nil {
		return
	}

	ttl := c.runtime.Load().OrderTTLSeconds
	orderID, err := c.exch.PlaceLimitOrder(ctx, c.symbol, qs.orderSide, size, price, true, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		class := gateway.Classify(err)
		level := levelFor(err)
		log.Error().Err(err).Str("symbol", c.symbol).Str("side", qs.orderSide).
			Float64("price", price).Float64("size", size).Str("class", class.String()).Msg(qs.failMsg)
		metrics.RecordOrderFailure(c.symbol, qs.orderSide, class.String())
		c.store.SetLastEvent(qs.failMsg)
		c.recordEvent(ctx, level, EventOrderFail, qs.failMsg)
		c.raise(ctx, level, qs.failMsg)
		return
	}

	c.store.TrackOrder(qs.side, orderID)
	c.risk.RecordOrder()
	metrics.RecordOrderPlaced(c.symbol, qs.orderSide)
	log.Debug().Str("symbol", c.symbol).Str("side", qs.orderSide).Str("order_id", orderID).
		Float64("price", price).Float64("size", size).Msg("挂单成功")
	if err := c.repo.RecordOrder(ctx, orderID, c.symbol, qs.orderSide, price, size, OrderStatusOpen); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("订单落库失败")
	}
}
