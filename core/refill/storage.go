package refill

import (
	"sync"
	"time"

	"Bt1QRec/model"
)

// noOffset is the sentinel for "no bus message applied yet".
const noOffset int64 = -1

// userState 单个用户的全部可变状态，只能在持有 Storage 锁时访问
type userState struct {
	queue      []*model.Beat
	queueIDs   map[string]struct{}
	direct     []*model.Beat
	likes      []string
	genres     []string
	lastOffset int64
	pending    bool
	lastRefill time.Time
}

func newUserState() *userState {
	return &userState{
		queueIDs:   make(map[string]struct{}),
		lastOffset: noOffset,
	}
}

// Storage 保存所有用户的推荐状态，是整个服务唯一的共享可变资源
// 所有读-改-写序列都在同一把锁内完成；锁内绝不做网络 I/O
type Storage struct {
	mu       sync.Mutex
	users    map[string]*userState
	maxQueue int

	// now 可在测试里替换
	now func() time.Time
}

// NewStorage 创建状态存储，maxQueue 是单用户队列上限（超出时丢弃最旧的）
func NewStorage(maxQueue int) *Storage {
	return &Storage{
		users:    make(map[string]*userState),
		maxQueue: maxQueue,
		now:      time.Now,
	}
}

// state 返回用户状态，不存在时惰性创建。调用方必须已持有锁。
func (s *Storage) state(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = newUserState()
		s.users[userID] = u
	}
	return u
}

// Enqueue 把 beat 追加到用户队列，队列里已有同 id 的 beat 时不做任何事
// 超出上限时从队头截断
func (s *Storage) Enqueue(userID string, beat *model.Beat) {
	if beat == nil || beat.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(userID).append(beat, s.maxQueue)
}

// append 是加锁后的入队实现
func (u *userState) append(beat *model.Beat, maxQueue int) bool {
	if _, dup := u.queueIDs[beat.ID]; dup {
		return false
	}
	u.queue = append(u.queue, beat)
	u.queueIDs[beat.ID] = struct{}{}

	if maxQueue > 0 && len(u.queue) > maxQueue {
		dropped := u.queue[:len(u.queue)-maxQueue]
		for _, d := range dropped {
			delete(u.queueIDs, d.ID)
		}
		u.queue = u.queue[len(u.queue)-maxQueue:]
	}
	return true
}

// Dequeue 取出并移除队列前 count 个 beat，不足时有多少取多少
// 第二个返回值是移除之后的剩余数量
func (s *Storage) Dequeue(userID string, count int) ([]*model.Beat, int) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.state(userID)
	if count > len(u.queue) {
		count = len(u.queue)
	}
	taken := make([]*model.Beat, count)
	copy(taken, u.queue[:count])
	for _, b := range taken {
		delete(u.queueIDs, b.ID)
	}
	u.queue = append(u.queue[:0:0], u.queue[count:]...)
	return taken, len(u.queue)
}

// Clear 清空用户的队列和直接推荐，并把应用过的 offset 重置为哨兵值
// 用户发起全新的首次/点赞请求时调用，丢弃旧状态
func (s *Storage) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.state(userID)
	u.queue = nil
	u.queueIDs = make(map[string]struct{})
	u.direct = nil
	u.lastOffset = noOffset
}

// SetDirect 覆盖用户最近一次同步生成的批次
func (s *Storage) SetDirect(userID string, beats []*model.Beat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(userID).direct = beats
}

// SetLikes 覆盖用户最近一次的点赞输入
func (s *Storage) SetLikes(userID string, likedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(userID).likes = append([]string(nil), likedIDs...)
}

// SetGenres 覆盖用户最近一次选择的风格
func (s *Storage) SetGenres(userID string, genreIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(userID).genres = append([]string(nil), genreIDs...)
}

// Likes 返回用户最近一次的点赞输入
func (s *Storage) Likes(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	return append([]string(nil), u.likes...)
}

// Genres 返回用户最近一次选择的风格
func (s *Storage) Genres(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	return append([]string(nil), u.genres...)
}

// QueueLen 返回用户队列当前长度
func (s *Storage) QueueLen(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0
	}
	return len(u.queue)
}

// ApplyIfNewer 按 offset 幂等合并一条总线投递的 beat
// 只有 offset 大于该用户已应用的最大 offset 时才入队并推进 offset；
// 重复投递是正常情况，返回 false 而不是错误
func (s *Storage) ApplyIfNewer(userID string, offset int64, beat *model.Beat) bool {
	if beat == nil || beat.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.state(userID)
	if offset <= u.lastOffset {
		return false
	}
	// offset 一律推进：即使 beat 因为重复 id 没有入队，这条消息也算处理过
	u.lastOffset = offset
	u.append(beat, s.maxQueue)
	return true
}

// LastOffset 返回用户已应用的最大 offset，没有时为 -1
func (s *Storage) LastOffset(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return noOffset
	}
	return u.lastOffset
}

// IsPending 返回用户是否有进行中的补充请求
func (s *Storage) IsPending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	return u.pending
}

// MarkPending 标记补充请求已发出并记录时间
func (s *Storage) MarkPending(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.state(userID)
	u.pending = true
	u.lastRefill = s.now()
}

// ClearPending 清除进行中标记（补充完成时调用）
func (s *Storage) ClearPending(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.pending = false
	}
}

// RollbackPending 撤销一次失败的补充请求
// 同时清掉冷却时间戳，下一次检查可以立即重试，而不是白等一个假冷却期
func (s *Storage) RollbackPending(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.pending = false
		u.lastRefill = time.Time{}
	}
}

// ShouldRefill 判断用户是否需要补充（只读，不改状态）
// 已有进行中的请求或还在冷却期内时返回 false；
// 队列加直接批次的总量低于 threshold*3 时需要补充。阈值放大三倍，
// 避免每消费一点就触发一次补充
func (s *Storage) ShouldRefill(userID string, threshold int, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(userID).needsRefill(threshold, cooldown, s.now())
}

func (u *userState) needsRefill(threshold int, cooldown time.Duration, now time.Time) bool {
	if u.pending {
		return false
	}
	if !u.lastRefill.IsZero() && now.Sub(u.lastRefill) < cooldown {
		return false
	}
	return len(u.queue)+len(u.direct) < threshold*3
}

// TryBeginRefill 原子地执行"是否需要补充"检查并标记进行中
// 两个并发调用者最多只有一个拿到 true，这是防止补充风暴的关键保证
func (s *Storage) TryBeginRefill(userID string, threshold int, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.state(userID)
	if !u.needsRefill(threshold, cooldown, s.now()) {
		return false
	}
	u.pending = true
	u.lastRefill = s.now()
	return true
}

// CompleteRefillIfReplenished 在队列恢复到 target 长度时结束补充状态
// 返回是否发生了 PendingRefill -> Idle 的转换
func (s *Storage) CompleteRefillIfReplenished(userID string, target int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || !u.pending || len(u.queue) < target {
		return false
	}
	u.pending = false
	return true
}

// ExpireStalePending 清除超过冷却期仍未完成的补充标记，返回清除数量
// 视为丢失/失败的补充；不自动重试，下一次消费触发的检查会重新发起
func (s *Storage) ExpireStalePending(cooldown time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0
	for _, u := range s.users {
		if u.pending && now.Sub(u.lastRefill) > cooldown {
			u.pending = false
			expired++
		}
	}
	return expired
}

// PruneEmptyUsers 删除队列和直接推荐都为空的用户条目，限制内存增长
func (s *Storage) PruneEmptyUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, u := range s.users {
		if len(u.queue) == 0 && len(u.direct) == 0 && !u.pending {
			delete(s.users, id)
			pruned++
		}
	}
	return pruned
}

// UserCount 返回当前持有状态的用户数
func (s *Storage) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
