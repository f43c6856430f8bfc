package recommend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"Bt1QRec/logger"
	"Bt1QRec/model"
	"Bt1QRec/repository"
)

// Catalog is an immutable snapshot of the beat catalog. A snapshot is built
// fully off to the side and then published with a single pointer swap, so
// in-flight scoring never observes a half-updated catalog.
type Catalog struct {
	beats []*model.Beat
	index map[string]int // beat id -> catalog position
}

// NewCatalog builds a snapshot from beats in catalog order. Later duplicates
// of an id are dropped.
func NewCatalog(beats []*model.Beat) *Catalog {
	c := &Catalog{
		beats: make([]*model.Beat, 0, len(beats)),
		index: make(map[string]int, len(beats)),
	}
	for _, beat := range beats {
		if _, exists := c.index[beat.ID]; exists {
			continue
		}
		c.index[beat.ID] = len(c.beats)
		c.beats = append(c.beats, beat)
	}
	return c
}

// Beats returns the snapshot's beats in catalog order. Callers must not
// modify the returned slice or the beats it points to.
func (c *Catalog) Beats() []*model.Beat {
	return c.beats
}

// ByID looks up a beat by its identifier.
func (c *Catalog) ByID(id string) (*model.Beat, bool) {
	pos, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.beats[pos], true
}

// Len returns the number of beats in the snapshot.
func (c *Catalog) Len() int {
	return len(c.beats)
}

// CatalogHolder publishes the current catalog snapshot to concurrent readers.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
}

// NewCatalogHolder creates a holder with an initial snapshot.
func NewCatalogHolder(c *Catalog) *CatalogHolder {
	h := &CatalogHolder{}
	h.current.Store(c)
	return h
}

// Current returns the latest published snapshot.
func (h *CatalogHolder) Current() *Catalog {
	return h.current.Load()
}

// Swap publishes a new snapshot.
func (h *CatalogHolder) Swap(c *Catalog) {
	h.current.Store(c)
}

// CatalogRefresher 定时从数据库重建目录快照
// 构建完成后通过指针交换发布，刷新期间不会阻塞打分请求
type CatalogRefresher struct {
	holder   *CatalogHolder
	repo     repository.BeatRepository
	interval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCatalogRefresher 创建目录刷新任务
func NewCatalogRefresher(holder *CatalogHolder, repo repository.BeatRepository, interval time.Duration) *CatalogRefresher {
	return &CatalogRefresher{
		holder:   holder,
		repo:     repo,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动后台刷新循环
func (r *CatalogRefresher) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refreshOnce()
			case <-r.stopChan:
				return
			}
		}
	}()
	logger.Info("catalog refresher started", logger.Duration("interval", r.interval))
}

// Stop 停止刷新并等待当前一轮完成
func (r *CatalogRefresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *CatalogRefresher) refreshOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	beats, err := r.repo.FetchAll(ctx)
	if err != nil {
		// 刷新失败继续使用旧快照
		logger.Error("catalog refresh failed, keeping previous snapshot", logger.ErrorField(err))
		return
	}

	next := NewCatalog(beats)
	r.holder.Swap(next)
	logger.Info("catalog snapshot refreshed", logger.Int("beats", next.Len()))
}
