package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OrcaFlow/internal/errors"
)

// MemoryDirectory 以内存方式维护智能体目录，主要用于测试与本地开发。
type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryDirectory 创建 MemoryDirectory。
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[string]*Record)}
}

// Put 登记或更新一个智能体。
func (m *MemoryDirectory) Put(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	clone := cloneRecord(record)
	if existing, ok := m.records[record.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	if clone.Status == "" {
		clone.Status = StatusActive
	}
	m.records[record.ID] = clone
	return nil
}

// Get 返回指定智能体。
func (m *MemoryDirectory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneRecord(record), nil
}

// ListActive 返回所有激活状态的智能体，按名称排序。
func (m *MemoryDirectory) ListActive(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if record.Status != StatusActive {
			continue
		}
		results = append(results, cloneRecord(record))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Name == results[j].Name {
			return results[i].ID < results[j].ID
		}
		return results[i].Name < results[j].Name
	})
	return results, nil
}

// Close 对内存目录无需操作。
func (m *MemoryDirectory) Close() error {
	return nil
}

var _ Directory = (*MemoryDirectory)(nil)
