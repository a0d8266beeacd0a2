package ratelimit

import "sync"

// Gate - ограничитель одновременных отправок: общий лимит и лимит на ключ.
//
// Очереди ожидания нет. Если слот не получен, вызывающий код откладывает
// работу до следующего тика, а не накапливает горутины.
type Gate struct {
	maxTotal  int
	maxPerKey int

	mu     sync.Mutex
	total  int
	perKey map[string]int
}

// NewGate создаёт Gate. Значения <= 0 отключают соответствующий лимит.
func NewGate(maxTotal, maxPerKey int) *Gate {
	return &Gate{
		maxTotal:  maxTotal,
		maxPerKey: maxPerKey,
		perKey:    make(map[string]int),
	}
}

// TryAcquire занимает слот для key без блокировки.
// release нужно вызвать ровно один раз; повторные вызовы игнорируются.
func (g *Gate) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxTotal > 0 && g.total >= g.maxTotal {
		return nil, false
	}
	if g.maxPerKey > 0 && g.perKey[key] >= g.maxPerKey {
		return nil, false
	}

	g.total++
	g.perKey[key]++

	var once sync.Once
	return func() {
		once.Do(func() { g.release(key) })
	}, true
}

func (g *Gate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total--
	if n := g.perKey[key] - 1; n > 0 {
		g.perKey[key] = n
	} else {
		delete(g.perKey, key)
	}
}

// InFlight возвращает общее число занятых слотов
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}
