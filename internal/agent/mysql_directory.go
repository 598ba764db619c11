package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OrcaFlow/internal/errors"
)

// MySQLDirectory 使用 MySQL 保存智能体目录。表结构由 deploy/migrations 维护。
type MySQLDirectory struct {
	db *sql.DB
}

// NewMySQLDirectory 基于已建立的连接池创建目录实例。
func NewMySQLDirectory(db *sql.DB) (*MySQLDirectory, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLDirectory{db: db}, nil
}

const agentColumns = `id, name, description, endpoint, category, tags, example_input, example_output, price, payee_wallet, status, created_at, updated_at`

// Put 登记或更新一个智能体。
func (d *MySQLDirectory) Put(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	tags, err := marshalTags(record.Tags)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码智能体 tags 失败")
	}
	status := record.Status
	if status == "" {
		status = StatusActive
	}
	now := time.Now().Unix()

	const stmt = `INSERT INTO agents (` + agentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        name = VALUES(name), description = VALUES(description), endpoint = VALUES(endpoint),
        category = VALUES(category), tags = VALUES(tags), example_input = VALUES(example_input),
        example_output = VALUES(example_output), price = VALUES(price),
        payee_wallet = VALUES(payee_wallet), status = VALUES(status), updated_at = VALUES(updated_at)`

	createdAt := record.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	if _, err := d.db.ExecContext(ctx, stmt,
		record.ID,
		record.Name,
		record.Description,
		record.Endpoint,
		record.Category,
		tags,
		record.ExampleInput,
		record.ExampleOutput,
		record.Price,
		record.PayeeWallet,
		string(status),
		createdAt,
		now,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, "智能体记录冲突")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return nil
}

// Get 返回指定智能体。
func (d *MySQLDirectory) Get(ctx context.Context, id string) (*Record, error) {
	const stmt = `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	record, err := scanAgent(d.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return record, nil
}

// ListActive 返回所有激活状态的智能体。
func (d *MySQLDirectory) ListActive(ctx context.Context) ([]*Record, error) {
	const stmt = `SELECT ` + agentColumns + ` FROM agents WHERE status = ? ORDER BY name, id`
	rows, err := d.db.QueryContext(ctx, stmt, string(StatusActive))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, 16)
	for rows.Next() {
		record, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return records, nil
}

// Close 由共享连接池的持有者负责关闭，这里无需操作。
func (d *MySQLDirectory) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Record, error) {
	var record Record
	var status string
	var tags sql.NullString
	if err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Description,
		&record.Endpoint,
		&record.Category,
		&tags,
		&record.ExampleInput,
		&record.ExampleOutput,
		&record.Price,
		&record.PayeeWallet,
		&status,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	decoded, err := unmarshalTags(tags)
	if err != nil {
		return nil, err
	}
	record.Tags = decoded
	return &record, nil
}

func marshalTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalTags(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

var _ Directory = (*MySQLDirectory)(nil)
