package alert

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/glft-maker/internal/config"
	"github.com/newplayman/glft-maker/internal/metrics"
	"github.com/newplayman/glft-maker/internal/repository"
)

// 告警级别
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

const subjectPrefix = "GLFT 告警"

// Store 告警持久化
type Store interface {
	RecordAlert(ctx context.Context, level, message string) (repository.Alert, error)
}

// Sender 邮件投递
type Sender interface {
	Send(ctx context.Context, routing config.AlertRouting, subject, body string) error
}

// Service 告警服务：先落库，再按路由尽力发送邮件
type Service struct {
	store  Store
	sender Sender

	mu      sync.RWMutex
	routing config.AlertRouting

	wg sync.WaitGroup
}

// NewService 创建告警服务；sender 为 nil 时使用 SMTP
func NewService(store Store, sender Sender, routing config.AlertRouting) *Service {
	if sender == nil {
		sender = SMTPSender{}
	}
	return &Service{store: store, sender: sender, routing: routing}
}

// SetRouting 热更新邮件路由
func (s *Service) SetRouting(r config.AlertRouting) {
	s.mu.Lock()
	s.routing = r
	s.mu.Unlock()
}

// Routing 当前路由
func (s *Service) Routing() config.AlertRouting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing
}

// Raise 记录告警；落库失败返回错误，邮件在后台发送，失败只记日志
func (s *Service) Raise(ctx context.Context, level, message string) error {
	metrics.RecordAlert(level)

	var storeErr error
	if s.store != nil {
		if _, err := s.store.RecordAlert(ctx, level, message); err != nil {
			log.Error().Err(err).Str("level", level).Msg("告警落库失败")
			storeErr = err
		}
	}

	routing := s.Routing()
	if !routing.Enabled() {
		return storeErr
	}

	subject := subjectPrefix + " [" + level + "]"
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sender.Send(context.WithoutCancel(ctx), routing, subject, message); err != nil {
			metrics.RecordAlertEmailFailure()
			log.Warn().Err(err).Str("to", routing.EmailTo).Msg("告警邮件发送失败")
		}
	}()
	return storeErr
}

// Wait 等待在途邮件发送完成
func (s *Service) Wait() {
	s.wg.Wait()
}
