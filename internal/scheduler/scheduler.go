package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/config"
)

// retentionSpec 每天 02:00 清理历史记录
const retentionSpec = "0 2 * * *"

// CalibrateFunc 运行一次校准
type CalibrateFunc func(ctx context.Context) error

// Purger 清理 cutoff 之前的记录
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler 定时校准与日志保留
type Scheduler struct {
	cron      *cron.Cron
	calibrate CalibrateFunc
	purger    Purger
	now       func() time.Time

	// 包装一次后复用，重排时仍保持不重叠
	calibrationJob cron.Job
	retentionJob   cron.Job

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	calibrationID cron.EntryID
	retentionID   cron.EntryID
	calSpec       string
	retentionDays int
}

// New 创建调度器，按本地时区触发
func New(calibrate CalibrateFunc, purger Purger) *Scheduler {
	logger := cronLogger{}
	s := &Scheduler{
		cron:      cron.New(cron.WithLogger(logger)),
		calibrate: calibrate,
		purger:    purger,
		now:       time.Now,
		ctx:       context.Background(),
	}
	chain := cron.NewChain(cron.SkipIfStillRunning(logger), cron.Recover(logger))
	s.calibrationJob = chain.Then(cron.FuncJob(s.runCalibration))
	s.retentionJob = chain.Then(cron.FuncJob(s.runRetention))
	return s
}

// Reschedule 按系统配置替换定时任务
func (s *Scheduler) Reschedule(cfg config.AppConfig) error {
	hour, minute, err := config.ParseClock(cfg.CalibrationUpdateTime)
	if err != nil {
		return err
	}
	spec := fmt.Sprintf("%d %d * * *", minute, hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.retentionDays = cfg.LogRetentionDays

	if s.calibrationID == 0 || spec != s.calSpec {
		id, err := s.cron.AddJob(spec, s.calibrationJob)
		if err != nil {
			return fmt.Errorf("注册校准任务失败: %w", err)
		}
		if s.calibrationID != 0 {
			s.cron.Remove(s.calibrationID)
		}
		s.calibrationID = id
		s.calSpec = spec
	}
	if s.retentionID == 0 {
		id, err := s.cron.AddJob(retentionSpec, s.retentionJob)
		if err != nil {
			return fmt.Errorf("注册清理任务失败: %w", err)
		}
		s.retentionID = id
	}

	log.Info().
		Str("calibration_time", cfg.CalibrationUpdateTime).
		Int("retention_days", cfg.LogRetentionDays).
		Msg("定时任务已更新")
	return nil
}

// Start 启动调度；任务使用 ctx 派生的上下文
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop 停止调度并等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
}

// NextCalibration 下一次校准时间；未注册时返回零值
func (s *Scheduler) NextCalibration(from time.Time) time.Time {
	s.mu.Lock()
	id := s.calibrationID
	s.mu.Unlock()
	return s.nextOf(id, from)
}

// NextRetention 下一次清理时间
func (s *Scheduler) NextRetention(from time.Time) time.Time {
	s.mu.Lock()
	id := s.retentionID
	s.mu.Unlock()
	return s.nextOf(id, from)
}

func (s *Scheduler) nextOf(id cron.EntryID, from time.Time) time.Time {
	if id == 0 {
		return time.Time{}
	}
	e := s.cron.Entry(id)
	if !e.Valid() {
		return time.Time{}
	}
	return e.Schedule.Next(from)
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) runCalibration() {
	if s.calibrate == nil {
		return
	}
	start := s.now()
	if err := s.calibrate(s.jobContext()); err != nil {
		log.Error().Err(err).Msg("定时校准失败")
		return
	}
	log.Info().Dur("elapsed", s.now().Sub(start)).Msg("定时校准完成")
}

func (s *Scheduler) runRetention() {
	if _, err := s.Purge(s.jobContext()); err != nil {
		log.Error().Err(err).Msg("历史记录清理失败")
	}
}

// Purge 删除超过保留天数的指标、风控事件与告警
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	if s.purger == nil {
		return 0, nil
	}
	s.mu.Lock()
	days := s.retentionDays
	s.mu.Unlock()
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("历史记录已清理")
	return n, nil
}

// cronLogger 将 cron 内部日志转到 zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
