package terminal

import (
	"sync"
	"time"
)

// Tracker 记录当前存活的终端会话，用于泄漏检查与状态统计
type Tracker struct {
	mutex  sync.RWMutex
	live   map[string]*trackedSession
	opened int64
	closed int64
}

type trackedSession struct {
	session *Session
	created time.Time
}

// TrackerStats 会话统计
type TrackerStats struct {
	Live   int   `json:"live"`
	Opened int64 `json:"opened"`
	Closed int64 `json:"closed"`
}

// NewTracker 创建会话跟踪器
func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*trackedSession)}
}

func (t *Tracker) add(s *Session) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.live[s.ID()] = &trackedSession{session: s, created: time.Now()}
	t.opened++
}

func (t *Tracker) remove(s *Session) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if _, ok := t.live[s.ID()]; ok {
		delete(t.live, s.ID())
		t.closed++
	}
}

// Live 当前未关闭的会话数
func (t *Tracker) Live() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.live)
}

// LiveFor 指定地址上未关闭的会话数
func (t *Tracker) LiveFor(host string) int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	n := 0
	for _, ts := range t.live {
		if ts.session.Host() == host {
			n++
		}
	}
	return n
}

// Stats 获取统计信息
func (t *Tracker) Stats() TrackerStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return TrackerStats{Live: len(t.live), Opened: t.opened, Closed: t.closed}
}

// Oldest 存活最久的会话的已存活时长，没有会话时返回 0
func (t *Tracker) Oldest() time.Duration {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	var oldest time.Time
	for _, ts := range t.live {
		if oldest.IsZero() || ts.created.Before(oldest) {
			oldest = ts.created
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// CloseAll 关闭所有存活会话（进程退出时调用）
func (t *Tracker) CloseAll() {
	t.mutex.RLock()
	sessions := make([]*Session, 0, len(t.live))
	for _, ts := range t.live {
		sessions = append(sessions, ts.session)
	}
	t.mutex.RUnlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
