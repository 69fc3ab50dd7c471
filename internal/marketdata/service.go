package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	gateway "github.com/newplayman/glft-maker/internal/exchange"
	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/store"
	"github.com/rs/zerolog/log"
)

// Source 行情来源，由 gateway.Gateway 实现
type Source interface {
	SubscribeTicker(ctx context.Context, symbol string, onTicker func(gateway.Ticker)) error
	Ticker(ctx context.Context, symbol string) (gateway.Ticker, error)
}

// streamStater 可选：推送连接统计
type streamStater interface {
	StreamStats() (gateway.WSStats, bool)
}

// Service 推送 + 轮询双通道维护行情视图
type Service struct {
	src          Source
	store        *store.Store
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewService 创建行情服务；pollInterval<=0 时取 1s
func NewService(src Source, st *store.Store, pollInterval time.Duration) *Service {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Service{
		src:          src,
		store:        st,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Start 启动推送订阅与轮询兜底，重复调用无副作用
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	symbol := s.store.Market().Symbol
	if symbol == "" {
		return errors.New("行情服务启动失败: 未设置交易对")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.runStream(runCtx, symbol)
	go s.runPoll(runCtx, symbol)

	log.Info().Str("symbol", symbol).Dur("poll_interval", s.pollInterval).Msg("行情服务已启动")
	return nil
}

// Stop 停止并等待所有协程退出
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("行情服务已停止")
}

// OnTicker 推送回调：写入 mid/bid/ask，缺失字段保持原值
func (s *Service) OnTicker(symbol string, t gateway.Ticker) {
	s.store.UpdateQuote(t.Mid, t.BestBid, t.BestAsk, s.now().UTC())
	metrics.RecordMarketUpdate(symbol, "stream", t.Mid)
}

func (s *Service) runStream(ctx context.Context, symbol string) {
	defer s.wg.Done()

	err := s.src.SubscribeTicker(ctx, symbol, func(t gateway.Ticker) {
		s.OnTicker(symbol, t)
	})
	if err != nil && ctx.Err() == nil {
		// 推送不可用时仅依赖轮询
		log.Warn().Err(err).Str("symbol", symbol).Msg("行情推送订阅失败，改用轮询")
		metrics.RecordError("ticker_stream", symbol)
	}
}

func (s *Service) runPoll(ctx context.Context, symbol string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, symbol)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, symbol string) {
	if ss, ok := s.src.(streamStater); ok {
		if st, ok := ss.StreamStats(); ok {
			metrics.UpdateStreamMetrics(symbol, st.Connected, st.TotalReconnects)
		}
	}

	t, err := s.src.Ticker(ctx, symbol)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("行情轮询失败")
		}
		return
	}
	if t.Mid > 0 {
		s.store.SetMidPrice(t.Mid, s.now().UTC())
		metrics.RecordMarketUpdate(symbol, "poll", t.Mid)
	}
}
