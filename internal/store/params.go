package store

import (
	"sync/atomic"
	"time"

	"github.com/newplayman/glft-maker/internal/config"
)

// ParamSnapshot 一次完整提交的参数行
type ParamSnapshot struct {
	Version     uint64
	Params      config.StrategyParams
	CommittedAt time.Time
}

// ParamBook 参数的原子快照，读者只会看到完整的一行
type ParamBook struct {
	ptr     atomic.Pointer[ParamSnapshot]
	version atomic.Uint64
}

// Load 读取最近提交的参数
func (b *ParamBook) Load() (ParamSnapshot, bool) {
	p := b.ptr.Load()
	if p == nil {
		return ParamSnapshot{}, false
	}
	return *p, true
}

// Commit 发布新参数行
func (b *ParamBook) Commit(p config.StrategyParams) ParamSnapshot {
	snap := &ParamSnapshot{
		Version:     b.version.Add(1),
		Params:      p,
		CommittedAt: time.Now(),
	}
	b.ptr.Store(snap)
	return *snap
}
