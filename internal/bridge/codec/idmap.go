package codec

import "sync"

// IDMap 维护字符串 id 与旧版数字 id 之间的双射。
// 同一生命周期内，已分配的数字 id 不会被重新分配给其他字符串 id。
type IDMap struct {
	mu        sync.Mutex
	next      uint64
	toNumeric map[string]uint64
	toString  map[uint64]string
}

// NewIDMap 创建从 1 开始分配的映射表。
func NewIDMap() *IDMap {
	return &IDMap{
		next:      1,
		toNumeric: make(map[string]uint64),
		toString:  make(map[uint64]string),
	}
}

// Numeric 返回字符串 id 对应的数字 id，首次遇到时分配新值。
func (m *IDMap) Numeric(id string) (numeric uint64, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.toNumeric[id]; ok {
		return n, false
	}
	// 对端可能先以数字 id 发来调用，分配时跳过已占用的值。
	for {
		if _, taken := m.toString[m.next]; !taken {
			break
		}
		m.next++
	}
	n := m.next
	m.next++
	m.toNumeric[id] = n
	m.toString[n] = id
	return n, true
}

// String 查找数字 id 对应的字符串 id。
func (m *IDMap) String(numeric uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.toString[numeric]
	return id, ok
}

// Bind 记录一对已知的映射，已存在任一侧时不覆盖。
func (m *IDMap) Bind(id string, numeric uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.toNumeric[id]; ok {
		return false
	}
	if _, ok := m.toString[numeric]; ok {
		return false
	}
	m.toNumeric[id] = numeric
	m.toString[numeric] = id
	return true
}

// Len 返回当前映射数量。
func (m *IDMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toNumeric)
}

// Reset 清空映射，下一次分配重新从 1 开始。
func (m *IDMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = 1
	m.toNumeric = make(map[string]uint64)
	m.toString = make(map[uint64]string)
}
