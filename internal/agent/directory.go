package agent

import "context"

// Directory 抽象了智能体目录的读取与维护接口。
// 编排器只依赖 Get 与 ListActive；Put 供运营侧登记或更新智能体。
type Directory interface {
	Put(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListActive(ctx context.Context) ([]*Record, error)
	Close() error
}
