package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OrcaFlow/internal/errors"
	"OrcaFlow/internal/jobrun"
)

// MySQLStore 使用 MySQL 记录工作流与步骤状态。表结构由
// deploy/migrations 管理，连接池由调用方注入并负责关闭。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已有连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const workflowColumns = `id, payer_wallet, user_message, reasoning, steps, current_step, status, created_at, updated_at`

const stepColumns = `id, workflow_id, step_index, agent_id, agent_endpoint, job_id, attempts, max_attempts,
        payment_attempts, job_status, payment_status, output, txn_ids, reject_reason, last_error, created_at, updated_at`

// CreateWorkflow 实现 Store 接口。
func (s *MySQLStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w == nil || strings.TrimSpace(w.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}

	now := time.Now().Unix()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	stepsValue, err := json.Marshal(w.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流步骤失败")
	}

	const stmt = `INSERT INTO workflows (` + workflowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		w.ID, w.PayerWallet, w.UserMessage, w.Reasoning, string(stepsValue),
		w.CurrentStep, w.Status, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrStepConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流失败")
	}
	return nil
}

// GetWorkflow 实现 Store 接口。
func (s *MySQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	const stmt = `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`
	return scanWorkflow(s.db.QueryRowContext(ctx, stmt, id))
}

// ListWorkflows 实现 Store 接口。
func (s *MySQLStore) ListWorkflows(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	opts.applyDefaults()

	where, args := buildWorkflowFilters(opts)
	order := "ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ORDER BY updated_at ASC, id ASC"
	}
	query := fmt.Sprintf(`SELECT `+workflowColumns+` FROM workflows %s %s LIMIT ? OFFSET ?`, where, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	var results []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流失败")
	}
	return results, nil
}

// Stats 实现 Store 接口。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	where, args := buildWorkflowFilters(opts)
	query := fmt.Sprintf(`SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM workflows %s GROUP BY status`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流统计失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流统计失败")
		}
		stats.Total += count
		switch status {
		case StatusDraft:
			stats.Draft += count
		case StatusActive:
			stats.Active += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusCancelled:
			stats.Cancelled += count
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流统计失败")
	}
	return stats, nil
}

// TransitionStatus 实现 Store 接口。
func (s *MySQLStore) TransitionStatus(ctx context.Context, id string, from []Status, to Status) (*Workflow, error) {
	if len(from) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "状态前置集合不能为空")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	stmt := fmt.Sprintf(`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)`, placeholders)

	args := make([]any, 0, len(from)+3)
	args = append(args, to, time.Now().Unix(), id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	w, getErr := s.GetWorkflow(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return w, ErrInvalidWorkflowState
	}
	return w, nil
}

// Advance 实现 Store 接口。
func (s *MySQLStore) Advance(ctx context.Context, id string, fromIndex int, to Status) (*Workflow, error) {
	const stmt = `UPDATE workflows SET current_step = ?, status = ?, updated_at = ?
        WHERE id = ? AND status = ? AND current_step = ?`
	res, err := s.db.ExecContext(ctx, stmt, fromIndex+1, to, time.Now().Unix(), id, StatusActive, fromIndex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进工作流失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	w, getErr := s.GetWorkflow(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return w, ErrStepConflict
	}
	return w, nil
}

// CreateStepResult 实现 Store 接口。(workflow_id, step_index) 上的
// 唯一索引保证并发创建只有一个赢家。
func (s *MySQLStore) CreateStepResult(ctx context.Context, r *StepResult) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤记录缺少标识")
	}

	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	outputValue, err := marshalJSONColumn(r.Output)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤输出失败")
	}
	txnValue, err := marshalJSONColumn(r.TxnIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易列表失败")
	}

	const stmt = `INSERT INTO step_results (` + stepColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		r.ID, r.WorkflowID, r.StepIndex, r.AgentID, r.Handle.AgentEndpoint, r.Handle.JobID,
		r.Attempts, r.MaxAttempts, r.PaymentAttempts, r.JobStatus, r.PaymentStatus,
		outputValue, txnValue, r.RejectReason, r.LastError, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrStepConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入步骤记录失败")
	}
	return nil
}

// GetStepResult 实现 Store 接口。
func (s *MySQLStore) GetStepResult(ctx context.Context, id string) (*StepResult, error) {
	const stmt = `SELECT ` + stepColumns + ` FROM step_results WHERE id = ?`
	return scanStepResult(s.db.QueryRowContext(ctx, stmt, id))
}

// StepResultByIndex 实现 Store 接口。
func (s *MySQLStore) StepResultByIndex(ctx context.Context, workflowID string, stepIndex int) (*StepResult, error) {
	const stmt = `SELECT ` + stepColumns + ` FROM step_results WHERE workflow_id = ? AND step_index = ?`
	return scanStepResult(s.db.QueryRowContext(ctx, stmt, workflowID, stepIndex))
}

// ClaimAttempt 实现 Store 接口。
func (s *MySQLStore) ClaimAttempt(ctx context.Context, stepID string, expect int) (*StepResult, error) {
	const stmt = `UPDATE step_results SET attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND attempts = ? AND job_status NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), stepID, expect,
		jobrun.StatusSucceeded, jobrun.StatusFailed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "占用执行尝试失败")
	}
	return s.afterConditionalUpdate(ctx, stepID, res)
}

// BindJob 实现 Store 接口。
func (s *MySQLStore) BindJob(ctx context.Context, stepID string, handle jobrun.Handle) (*StepResult, error) {
	const stmt = `UPDATE step_results SET agent_endpoint = ?, job_id = ?, job_status = ?, last_error = '', updated_at = ?
        WHERE id = ? AND job_status NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, handle.AgentEndpoint, handle.JobID, jobrun.StatusRunning,
		time.Now().Unix(), stepID, jobrun.StatusSucceeded, jobrun.StatusFailed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务句柄失败")
	}
	return s.afterConditionalUpdate(ctx, stepID, res)
}

// ReconcileJob 实现 Store 接口。条件更新保证终态不被覆盖；
// 未命中时返回库中现状而非错误。
func (s *MySQLStore) ReconcileJob(ctx context.Context, stepID string, jobRes jobrun.Result, payment PaymentStatus) (*StepResult, error) {
	outputValue, err := marshalJSONColumn(jobRes.Output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤输出失败")
	}

	stmt := `UPDATE step_results SET job_status = ?, output = ?, last_error = ?, updated_at = ?`
	args := []any{jobRes.Status, outputValue, jobRes.Reason, time.Now().Unix()}
	if payment != "" {
		stmt += `, payment_status = ?`
		args = append(args, payment)
	}
	stmt += ` WHERE id = ? AND job_status NOT IN (?, ?)`
	args = append(args, stepID, jobrun.StatusSucceeded, jobrun.StatusFailed)

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步任务结果失败")
	}
	return s.GetStepResult(ctx, stepID)
}

// RecordPayment 实现 Store 接口。
func (s *MySQLStore) RecordPayment(ctx context.Context, stepID string, txnIDs []string, status PaymentStatus, reason string) (*StepResult, error) {
	txnValue, err := marshalJSONColumn(txnIDs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易列表失败")
	}

	increment := 0
	if status == PaymentRejected {
		increment = 1
	}
	const stmt = `UPDATE step_results
        SET txn_ids = ?, payment_status = ?, reject_reason = ?, payment_attempts = payment_attempts + ?, updated_at = ?
        WHERE id = ? AND payment_status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, txnValue, status, reason, increment, time.Now().Unix(),
		stepID, PaymentAwaiting, PaymentRejected)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录支付结论失败")
	}
	return s.afterConditionalUpdate(ctx, stepID, res)
}

// Close 实现 Store 接口。连接池由注入方负责关闭。
func (s *MySQLStore) Close() error {
	return nil
}

func (s *MySQLStore) afterConditionalUpdate(ctx context.Context, stepID string, res sql.Result) (*StepResult, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	r, getErr := s.GetStepResult(ctx, stepID)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return r, ErrStepConflict
	}
	return r, nil
}

func buildWorkflowFilters(opts ListOptions) (string, []any) {
	var clauses []string
	var args []any

	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Statuses)), ", ")
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.PayerWallet != "" {
		clauses = append(clauses, "payer_wallet = ?")
		args = append(args, opts.PayerWallet)
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		clauses = append(clauses, "(user_message LIKE ? OR reasoning LIKE ?)")
		args = append(args, pattern, pattern)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var stepsRaw string
	err := row.Scan(&w.ID, &w.PayerWallet, &w.UserMessage, &w.Reasoning, &stepsRaw,
		&w.CurrentStep, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流失败")
	}
	if stepsRaw != "" {
		if err := json.Unmarshal([]byte(stepsRaw), &w.Steps); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流步骤失败")
		}
	}
	return &w, nil
}

func scanStepResult(row rowScanner) (*StepResult, error) {
	var r StepResult
	var outputRaw, txnRaw string
	err := row.Scan(&r.ID, &r.WorkflowID, &r.StepIndex, &r.AgentID,
		&r.Handle.AgentEndpoint, &r.Handle.JobID,
		&r.Attempts, &r.MaxAttempts, &r.PaymentAttempts, &r.JobStatus, &r.PaymentStatus,
		&outputRaw, &txnRaw, &r.RejectReason, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤记录失败")
	}
	if outputRaw != "" {
		if err := json.Unmarshal([]byte(outputRaw), &r.Output); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤输出失败")
		}
	}
	if txnRaw != "" {
		if err := json.Unmarshal([]byte(txnRaw), &r.TxnIDs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易列表失败")
		}
	}
	return &r, nil
}

func marshalJSONColumn(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

var _ Store = (*MySQLStore)(nil)
