package calibration

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome 一次校准的结果消息
type Outcome struct {
	Symbol string
	Result Result
	Err    error
	At     time.Time
}

// Job 构造校准器、运行校准，并把结果投递给参数提交方
type Job struct {
	Build func() (*Calibrator, error)
	Out   chan<- Outcome
}

// Run 失败也会投递 Outcome，便于提交方记录
func (j *Job) Run(ctx context.Context) (Result, error) {
	if j.Build == nil {
		return Result{}, errors.New("calibration job: no calibrator")
	}
	cal, err := j.Build()
	if err != nil {
		return Result{}, err
	}

	res, err := cal.Calibrate(ctx)
	if err != nil {
		log.Error().Err(err).Str("symbol", cal.Symbol).Msg("参数校准失败")
	}

	out := Outcome{Symbol: cal.Symbol, Result: res, Err: err, At: time.Now().UTC()}
	if j.Out != nil {
		select {
		case j.Out <- out:
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	return res, err
}
