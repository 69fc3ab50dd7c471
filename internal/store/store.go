package store

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Side 报价方向
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// InstrumentInfo 合约精度信息
type InstrumentInfo struct {
	TickSize     float64 `json:"tick_size"`
	MinSize      float64 `json:"min_size"`
	BaseDecimals int32   `json:"base_decimals"`
}

// MarketState 行情视图，由行情服务写入；引擎仅在中间价无效时兜底写入
type MarketState struct {
	Symbol     string         `json:"symbol"`
	MidPrice   float64        `json:"mid_price"`
	BestBid    float64        `json:"best_bid"`
	BestAsk    float64        `json:"best_ask"`
	LastUpdate *time.Time     `json:"last_update,omitempty"`
	Instrument InstrumentInfo `json:"instrument"`
}

// PositionState 仓位视图，由引擎写入
type PositionState struct {
	Size          float64    `json:"size"` // 正为多，负为空（基础币）
	EntryPrice    float64    `json:"entry_price"`
	MarkPrice     float64    `json:"mark_price"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	LastUpdate    *time.Time `json:"last_update,omitempty"`
}

// EngineState 引擎状态，由引擎写入；每个方向最多跟踪一个挂单
type EngineState struct {
	IsRunning    bool            `json:"is_running"`
	LastEvent    string          `json:"last_event"`
	OpenOrderIDs map[Side]string `json:"open_order_ids"`
}

// Store 进程内共享状态，按字段组分别加锁
type Store struct {
	marketMu sync.RWMutex
	market   MarketState

	positionMu     sync.RWMutex
	position       PositionState
	positionSymbol string // 仓位所属交易对

	engineMu sync.RWMutex
	engine   EngineState

	params ParamBook

	snapshotPath   string
	snapshotTicker *time.Ticker
	stopSnapshot   chan struct{}
	closeOnce      sync.Once
}

// NewStore 创建共享状态；snapshotPath 为空时不做快照
func NewStore(snapshotPath string, snapshotInterval time.Duration) *Store {
	s := &Store{
		engine:       EngineState{OpenOrderIDs: make(map[Side]string)},
		snapshotPath: snapshotPath,
		stopSnapshot: make(chan struct{}),
	}

	if snapshotPath == "" {
		return s
	}

	if err := s.LoadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("无法从快照恢复，使用空状态")
	}

	if snapshotInterval <= 0 {
		snapshotInterval = 30 * time.Second
	}
	s.snapshotTicker = time.NewTicker(snapshotInterval)
	go s.runSnapshotLoop()

	return s
}

// Market 返回行情视图副本
func (s *Store) Market() MarketState {
	s.marketMu.RLock()
	defer s.marketMu.RUnlock()
	m := s.market
	if m.LastUpdate != nil {
		t := *m.LastUpdate
		m.LastUpdate = &t
	}
	return m
}

// ResetMarket 交易对切换时整体替换行情视图
func (s *Store) ResetMarket(symbol string, info InstrumentInfo) {
	s.marketMu.Lock()
	s.market = MarketState{Symbol: symbol, Instrument: info}
	s.marketMu.Unlock()

	// 仓位属于其他交易对（快照或切换前）时清零，等待引擎同步
	s.positionMu.Lock()
	if s.positionSymbol != symbol && s.position.Size != 0 {
		log.Warn().
			Str("from", s.positionSymbol).
			Str("to", symbol).
			Float64("size", s.position.Size).
			Msg("交易对变化，丢弃旧仓位")
	}
	if s.positionSymbol != symbol {
		s.position = PositionState{}
		s.positionSymbol = symbol
	}
	s.positionMu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Float64("tick_size", info.TickSize).
		Float64("min_size", info.MinSize).
		Int32("base_decimals", info.BaseDecimals).
		Msg("行情视图已重置")
}

// UpdateQuote 写入推送行情，非正值字段保持不变
func (s *Store) UpdateQuote(mid, bestBid, bestAsk float64, at time.Time) {
	s.marketMu.Lock()
	defer s.marketMu.Unlock()

	if mid > 0 {
		s.market.MidPrice = mid
	}
	if bestBid > 0 {
		s.market.BestBid = bestBid
	}
	if bestAsk > 0 {
		s.market.BestAsk = bestAsk
	}
	s.market.LastUpdate = &at
}

// SetMidPrice 写入中间价（轮询兜底或引擎价格发现）
func (s *Store) SetMidPrice(mid float64, at time.Time) {
	if mid <= 0 {
		return
	}
	s.marketMu.Lock()
	s.market.MidPrice = mid
	s.market.LastUpdate = &at
	s.marketMu.Unlock()
}

// Position 返回仓位视图副本
func (s *Store) Position() PositionState {
	s.positionMu.RLock()
	defer s.positionMu.RUnlock()
	return s.position
}

// SetPosition 更新仓位
func (s *Store) SetPosition(p PositionState) {
	s.positionMu.Lock()
	s.position = p
	s.positionMu.Unlock()
}

// Engine 返回引擎状态副本
func (s *Store) Engine() EngineState {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	e := s.engine
	e.OpenOrderIDs = make(map[Side]string, len(s.engine.OpenOrderIDs))
	for k, v := range s.engine.OpenOrderIDs {
		e.OpenOrderIDs[k] = v
	}
	return e
}

// SetRunning 更新运行标志
func (s *Store) SetRunning(running bool) {
	s.engineMu.Lock()
	s.engine.IsRunning = running
	s.engineMu.Unlock()
}

// SetLastEvent 记录最近一次风控/失败原因
func (s *Store) SetLastEvent(event string) {
	s.engineMu.Lock()
	s.engine.LastEvent = event
	s.engineMu.Unlock()
}

// OpenOrderID 获取某方向正在跟踪的挂单
func (s *Store) OpenOrderID(side Side) (string, bool) {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	id, ok := s.engine.OpenOrderIDs[side]
	return id, ok && id != ""
}

// TrackOrder 跟踪新挂单，覆盖该方向旧的订单号
func (s *Store) TrackOrder(side Side, orderID string) {
	s.engineMu.Lock()
	s.engine.OpenOrderIDs[side] = orderID
	s.engineMu.Unlock()
}

// ClearOrder 清除某方向跟踪的挂单
func (s *Store) ClearOrder(side Side) {
	s.engineMu.Lock()
	delete(s.engine.OpenOrderIDs, side)
	s.engineMu.Unlock()
}

// Params 参数快照
func (s *Store) Params() *ParamBook {
	return &s.params
}

type snapshot struct {
	Symbol   string        `json:"symbol"`
	Position PositionState `json:"position"`
	Engine   EngineState   `json:"engine"`
}

// SaveSnapshot 保存仓位与挂单跟踪状态
func (s *Store) SaveSnapshot() error {
	if s.snapshotPath == "" {
		return nil
	}

	snap := snapshot{
		Symbol:   s.Market().Symbol,
		Position: s.Position(),
		Engine:   s.Engine(),
	}
	snap.Engine.IsRunning = false

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	log.Debug().Str("path", s.snapshotPath).Msg("快照保存成功")
	return nil
}

// LoadSnapshot 加载快照
func (s *Store) LoadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.positionMu.Lock()
	s.position = snap.Position
	s.positionSymbol = snap.Symbol
	s.positionMu.Unlock()

	s.engineMu.Lock()
	s.engine.LastEvent = snap.Engine.LastEvent
	for side, id := range snap.Engine.OpenOrderIDs {
		if id != "" {
			s.engine.OpenOrderIDs[side] = id
		}
	}
	s.engineMu.Unlock()

	log.Info().
		Str("path", s.snapshotPath).
		Str("symbol", snap.Symbol).
		Int("open_orders", len(snap.Engine.OpenOrderIDs)).
		Msg("快照加载成功")
	return nil
}

func (s *Store) runSnapshotLoop() {
	for {
		select {
		case <-s.snapshotTicker.C:
			if err := s.SaveSnapshot(); err != nil {
				log.Error().Err(err).Msg("保存快照失败")
			}
		case <-s.stopSnapshot:
			return
		}
	}
}

// Close 停止快照循环并最后保存一次
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopSnapshot)
		if s.snapshotTicker != nil {
			s.snapshotTicker.Stop()
		}
		if err := s.SaveSnapshot(); err != nil {
			log.Error().Err(err).Msg("关闭时保存快照失败")
		}
	})
}
