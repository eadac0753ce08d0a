// Package session 负责签名器会话在宿主侧的持久化。
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// 会话使用的存储键。
const (
	KeyAccount        = "openfort.account"
	KeyAuthentication = "openfort.authentication"
	KeyRecovery       = "openfort.recovery"
	KeySession        = "openfort.session"
)

// Keys 列出会话使用的全部键。
var Keys = []string{KeyAccount, KeyAuthentication, KeyRecovery, KeySession}

// ErrNotFound 表示键不存在。
var ErrNotFound = errors.New("session key not found")

// Store 是会话的键值存储后端。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Flush 删除作用域内的全部键。
	Flush(ctx context.Context) error
}

// MemoryStore 是进程内存储，测试与无状态部署使用。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte)
	return nil
}

// List 返回已保存的键，按字典序。
func (s *MemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Scoped 给键加上可发布密钥派生的前缀，多个项目可以共用同一个后端。
type Scoped struct {
	inner  Store
	prefix string
}

// NewScoped 以 publishableKey 去掉 pk_test_/pk_live_ 后的前 8 个字符作为前缀。
func NewScoped(inner Store, publishableKey string) *Scoped {
	return &Scoped{inner: inner, prefix: ScopePrefix(publishableKey)}
}

// ScopePrefix 计算作用域前缀，空密钥返回空串。
func ScopePrefix(publishableKey string) string {
	id := strings.TrimPrefix(strings.TrimPrefix(publishableKey, "pk_test_"), "pk_live_")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return ""
	}
	return id + "."
}

// Prefix 返回作用域前缀。
func (s *Scoped) Prefix() string { return s.prefix }

func (s *Scoped) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *Scoped) Save(ctx context.Context, key string, value []byte) error {
	return s.inner.Save(ctx, s.prefix+key, value)
}

func (s *Scoped) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}

// Flush 只删除本作用域下的会话键，其他项目的数据不受影响。
func (s *Scoped) Flush(ctx context.Context) error {
	var errs []error
	for _, key := range Keys {
		if err := s.inner.Remove(ctx, s.prefix+key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
