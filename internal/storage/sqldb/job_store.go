package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/job"
	"AgentNexus/internal/orchestrator"
)

// JobStore 在 jobs 表中记录异步作业状态，时间戳精确到秒。
type JobStore struct {
	d *DB
}

var _ job.Store = (*JobStore)(nil)

const jobColumns = `id, message, session_id, user_id, status, attempts, max_retries, last_error, error_code, report, created_at, updated_at`

// Create 写入新作业。
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	now := s.d.now().Unix()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	report, err := encodeReport(j.Report)
	if err != nil {
		return err
	}
	_, err = s.d.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Message, j.SessionID, j.UserID, string(j.Status), j.Attempts, j.MaxRetries,
		j.LastError, j.ErrorCode, report, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return job.ErrJobConflict
		}
		return storageErr(err, "写入作业失败")
	}
	return nil
}

// Get 读取作业。
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	return j, err
}

// Claim 以条件更新抢占作业，未命中时根据当前状态返回对应错误。
func (s *JobStore) Claim(ctx context.Context, id string) (*job.Job, error) {
	res, err := s.d.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ?
    WHERE id = ? AND status = ? AND attempts < max_retries`,
		string(job.StatusRunning), s.d.now().Unix(), id, string(job.StatusPending))
	if err != nil {
		return nil, storageErr(err, "领取作业失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return current, nil
	}
	switch current.Status {
	case job.StatusSucceeded, job.StatusFailed:
		return current, job.ErrJobCompleted
	case job.StatusRunning:
		return current, job.ErrJobConflict
	}
	return current, job.ErrJobExhausted
}

// MarkSucceeded 记录成功结果。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, report *orchestrator.Report) error {
	encoded, err := encodeReport(report)
	if err != nil {
		return err
	}
	res, err := s.d.db.ExecContext(ctx, `UPDATE jobs SET status = ?, report = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(job.StatusSucceeded), encoded, s.d.now().Unix(), id)
	if err != nil {
		return storageErr(err, "标记作业成功失败")
	}
	return s.ensureJob(ctx, res, id)
}

// MarkFailed 记录失败；非终态的作业回到 pending。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool, report *orchestrator.Report) error {
	status := job.StatusPending
	if terminal {
		status = job.StatusFailed
	}
	encoded, err := encodeReport(report)
	if err != nil {
		return err
	}
	res, err := s.d.db.ExecContext(ctx, `UPDATE jobs SET status = ?, last_error = ?, error_code = ?, report = COALESCE(?, report), updated_at = ? WHERE id = ?`,
		string(status), lastError, string(code), encoded, s.d.now().Unix(), id)
	if err != nil {
		return storageErr(err, "标记作业失败状态出错")
	}
	return s.ensureJob(ctx, res, id)
}

// Release 退回运行中的作业并退还尝试次数。
func (s *JobStore) Release(ctx context.Context, id string, reason string) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END, last_error = ?, error_code = ?, updated_at = ?
    WHERE id = ? AND status = ?`,
		string(job.StatusPending), reason, string(xerrors.CodeCancelled), s.d.now().Unix(), id, string(job.StatusRunning))
	if err != nil {
		return storageErr(err, "退回作业失败")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

// List 返回符合过滤条件的作业。
func (s *JobStore) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	opts.Normalize()
	where, args := jobFilters(opts)
	order := "DESC"
	if opts.Order == job.SortByUpdatedAsc {
		order = "ASC"
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY updated_at ` + order + `, created_at ` + order + `, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历作业列表失败")
	}
	return jobs, nil
}

// Stats 按状态聚合作业数量。
func (s *JobStore) Stats(ctx context.Context, opts job.ListOptions) (job.Stats, error) {
	opts.Normalize()
	where, args := jobFilters(opts)
	rows, err := s.d.db.QueryContext(ctx, `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM jobs`+where+` GROUP BY status`, args...)
	if err != nil {
		return job.Stats{}, storageErr(err, "统计作业失败")
	}
	defer rows.Close()

	stats := job.Stats{}
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return job.Stats{}, storageErr(err, "解析作业统计失败")
		}
		stats.AddGroup(job.Status(status), count, oldest, newest)
	}
	if err := rows.Err(); err != nil {
		return job.Stats{}, storageErr(err, "遍历作业统计失败")
	}
	return stats, nil
}

// Close 由 DB 统一关闭连接池。
func (s *JobStore) Close() error { return nil }

func (s *JobStore) ensureJob(ctx context.Context, res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err := s.Get(ctx, id)
	return err
}

func jobFilters(opts job.ListOptions) (string, []any) {
	var where []string
	var args []any
	if len(opts.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedGTE > 0 {
		where = append(where, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		where = append(where, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasReport != nil {
		if *opts.HasReport {
			where = append(where, "report IS NOT NULL")
		} else {
			where = append(where, "report IS NULL")
		}
	}
	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.Query != "" {
		like := "%" + strings.ToLower(opts.Query) + "%"
		where = append(where, "(LOWER(message) LIKE ? OR LOWER(COALESCE(report, '')) LIKE ? OR LOWER(COALESCE(last_error, '')) LIKE ?)")
		args = append(args, like, like, like)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func encodeReport(report *orchestrator.Report) (sql.NullString, error) {
	if report == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工作流报告失败")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                 job.Job
		status            string
		lastError, report sql.NullString
	)
	err := row.Scan(&j.ID, &j.Message, &j.SessionID, &j.UserID, &status, &j.Attempts, &j.MaxRetries,
		&lastError, &j.ErrorCode, &report, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr(err, "解析作业记录失败")
	}
	j.Status = job.Status(status)
	j.LastError = lastError.String
	if report.Valid && report.String != "" {
		j.Report = &orchestrator.Report{}
		if err := json.Unmarshal([]byte(report.String), j.Report); err != nil {
			return nil, storageErr(err, "解析工作流报告失败")
		}
	}
	return &j, nil
}
