package refill

import (
	"sync"
	"time"

	"Bt1QRec/config"
	"Bt1QRec/logger"
)

// Janitor 周期性清理过期状态
// 每个短周期清掉超过冷却期的补充标记；每个长周期删掉完全为空的用户条目
type Janitor struct {
	storage *Storage
	cfg     *config.Config

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastCleanup time.Time
}

// NewJanitor 创建清理任务
func NewJanitor(storage *Storage, cfg *config.Config) *Janitor {
	return &Janitor{
		storage:  storage,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start 启动后台清理循环
func (j *Janitor) Start() {
	j.lastCleanup = time.Now()
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.sweep()
			case <-j.stopChan:
				return
			}
		}
	}()
	logger.Info("janitor started",
		logger.Duration("interval", j.cfg.JanitorInterval),
		logger.Duration("cleanupInterval", j.cfg.CleanupInterval))
}

// Stop 停止清理并等待当前一轮结束
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopChan)
	})
	j.wg.Wait()
}

// sweep 执行一轮清理
// 每个动作都只是拿锁做内存操作，不会长时间阻塞请求处理
func (j *Janitor) sweep() {
	cooldown := j.cfg.Refill().Cooldown
	if expired := j.storage.ExpireStalePending(cooldown); expired > 0 {
		logger.Info("expired stale refill markers", logger.Int("count", expired))
	}

	if time.Since(j.lastCleanup) > j.cfg.CleanupInterval {
		j.lastCleanup = time.Now()
		if pruned := j.storage.PruneEmptyUsers(); pruned > 0 {
			logger.Info("pruned empty user entries", logger.Int("count", pruned))
		}
	}
}
