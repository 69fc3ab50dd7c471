package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSReconnectConfig WebSocket 重连配置
type WSReconnectConfig struct {
	MaxRetries      int           // 最大连续失败次数（0=无限）
	InitialDelay    time.Duration // 初始重连延迟
	MaxDelay        time.Duration // 最大重连延迟
	BackoffFactor   float64       // 退避系数
	PingInterval    time.Duration // 心跳间隔
	PongWait        time.Duration // Pong 等待时间
	WriteWait       time.Duration // 写超时
	EnableHeartbeat bool          // 启用心跳
}

// DefaultWSReconnectConfig 默认配置
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		MaxRetries:      0,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		PingInterval:    20 * time.Second,
		PongWait:        30 * time.Second,
		WriteWait:       10 * time.Second,
		EnableHeartbeat: true,
	}
}

// WSReconnectManager 维持一条推送连接，断线后按退避重连，每次连上后调用 onConnect 重新订阅
type WSReconnectManager struct {
	mu sync.RWMutex

	config    WSReconnectConfig
	conn      *websocket.Conn
	writeMu   sync.Mutex
	url       string
	connected bool

	stopOnce      sync.Once
	stopChan      chan struct{}
	doneChan      chan struct{}
	reconnectChan chan struct{}

	onConnect func(*WSReconnectManager) error
	onMessage func([]byte)

	totalReconnects int
	lastConnectTime time.Time
}

// WSStats WebSocket 统计
type WSStats struct {
	Connected       bool
	TotalReconnects int
	LastConnectTime time.Time
}

// NewWSReconnectManager 创建重连管理器
func NewWSReconnectManager(url string, config WSReconnectConfig, onConnect func(*WSReconnectManager) error, onMessage func([]byte)) *WSReconnectManager {
	return &WSReconnectManager{
		url:           url,
		config:        config,
		onConnect:     onConnect,
		onMessage:     onMessage,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// Start 启动后台连接循环
func (m *WSReconnectManager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop 停止并等待循环退出，可重复调用
func (m *WSReconnectManager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.closeConn()
	})
	<-m.doneChan
	return nil
}

// Done 循环退出时关闭
func (m *WSReconnectManager) Done() <-chan struct{} {
	return m.doneChan
}

// TriggerReconnect 断开当前连接并跳过退避立即重连
func (m *WSReconnectManager) TriggerReconnect() {
	select {
	case m.reconnectChan <- struct{}{}:
	default:
	}
	m.closeConn()
}

// GetStats 获取统计信息
func (m *WSReconnectManager) GetStats() WSStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return WSStats{
		Connected:       m.connected,
		TotalReconnects: m.totalReconnects,
		LastConnectTime: m.lastConnectTime,
	}
}

// WriteJSON 串行写入
func (m *WSReconnectManager) WriteJSON(v any) error {
	conn := m.getConn()
	if conn == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
	return conn.WriteJSON(v)
}

func (m *WSReconnectManager) stopped(ctx context.Context) bool {
	select {
	case <-m.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (m *WSReconnectManager) run(ctx context.Context) {
	defer close(m.doneChan)

	delay := m.config.InitialDelay
	retries := 0

	for {
		if m.stopped(ctx) {
			return
		}

		if err := m.connect(ctx); err != nil {
			log.Warn().Err(err).Str("url", m.url).Dur("retry_in", delay).Msg("WS 连接失败")

			retries++
			if m.config.MaxRetries > 0 && retries >= m.config.MaxRetries {
				log.Error().Int("max_retries", m.config.MaxRetries).Msg("WS 重试次数耗尽，放弃")
				return
			}
			if !m.wait(ctx, delay) {
				return
			}
			delay = m.calculateNextDelay(delay)
			continue
		}

		retries = 0
		delay = m.config.InitialDelay

		m.mu.Lock()
		m.connected = true
		m.lastConnectTime = time.Now()
		m.mu.Unlock()

		var err error
		if m.onConnect != nil {
			err = m.onConnect(m)
		}
		if err == nil {
			hbDone := make(chan struct{})
			if m.config.EnableHeartbeat {
				go m.heartbeatLoop(hbDone)
			}
			err = m.readLoop()
			close(hbDone)
		}

		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		m.closeConn()

		if m.stopped(ctx) {
			return
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("WS 断开，准备重连")
		if !m.wait(ctx, delay) {
			return
		}
		delay = m.calculateNextDelay(delay)
	}
}

// wait 等待重连延迟；返回 false 表示应退出
func (m *WSReconnectManager) wait(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-m.stopChan:
		return false
	case <-ctx.Done():
		return false
	case <-m.reconnectChan:
		return true
	case <-t.C:
		return true
	}
}

func (m *WSReconnectManager) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.totalReconnects++
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
		return nil
	})
	return nil
}

func (m *WSReconnectManager) readLoop() error {
	conn := m.getConn()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
		if m.onMessage != nil {
			m.onMessage(message)
		}
	}
}

func (m *WSReconnectManager) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-done:
			return
		case <-ticker.C:
			conn := m.getConn()
			if conn == nil {
				return
			}
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.config.WriteWait))
			m.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("WS 心跳失败")
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *WSReconnectManager) calculateNextDelay(currentDelay time.Duration) time.Duration {
	nextDelay := time.Duration(float64(currentDelay) * m.config.BackoffFactor)
	if nextDelay > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return nextDelay
}

func (m *WSReconnectManager) getConn() *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *WSReconnectManager) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
