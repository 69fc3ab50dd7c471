package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/calibration"
	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/store"
)

// ParamStore 校准结果的持久化
type ParamStore interface {
	UpdateCalibratedParams(ctx context.Context, sigma, a, k float64) (config.StrategyParams, error)
	RecordMetric(ctx context.Context, name string, value float64) error
}

// ParamCommitter 接收校准结果，落库后整行发布到参数快照
type ParamCommitter struct {
	repo ParamStore
	book *store.ParamBook
}

// NewParamCommitter 创建参数提交器
func NewParamCommitter(repo ParamStore, book *store.ParamBook) *ParamCommitter {
	return &ParamCommitter{repo: repo, book: book}
}

// Run 消费校准结果直到 ctx 结束或通道关闭
func (p *ParamCommitter) Run(ctx context.Context, in <-chan calibration.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-in:
			if !ok {
				return
			}
			if err := p.Apply(ctx, o); err != nil {
				log.Error().Err(err).Str("symbol", o.Symbol).Msg("校准参数提交失败")
			}
		}
	}
}

// Apply 记录 sigma/A/k，在一次更新中合并进参数行，再发布快照
func (p *ParamCommitter) Apply(ctx context.Context, o calibration.Outcome) error {
	metrics.RecordCalibration(o.Err == nil)
	if o.Err != nil {
		return o.Err
	}

	r := o.Result
	metrics.UpdateModelParams(o.Symbol, r.Sigma, r.A, r.K)
	for _, m := range []struct {
		name string
		v    float64
	}{{"sigma", r.Sigma}, {"A", r.A}, {"k", r.K}} {
		if err := p.repo.RecordMetric(ctx, m.name, m.v); err != nil {
			log.Warn().Err(err).Str("metric", m.name).Msg("校准指标落库失败")
		}
	}

	params, err := p.repo.UpdateCalibratedParams(ctx, r.Sigma, r.A, r.K)
	if err != nil {
		return err
	}
	snap := p.book.Commit(params)
	log.Info().
		Str("symbol", o.Symbol).
		Float64("sigma", r.Sigma).
		Float64("A", r.A).
		Float64("k", r.K).
		Uint64("version", snap.Version).
		Msg("校准参数已生效")
	return nil
}
