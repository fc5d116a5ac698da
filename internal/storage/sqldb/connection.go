package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "AgentNexus/internal/errors"
)

// Dialect 标识底层数据库方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Config 描述连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DB 持有连接池，并为各领域派生存储。
type DB struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open 建立连接池并执行嵌入的迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := Dialect(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储驱动: %s", cfg.Driver))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存储 DSN 不能为空")
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}

	switch {
	case dialect == DialectSQLite:
		// SQLite 同一时刻只允许一个写入者。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	store := New(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New 包装已有连接池，不执行迁移。
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect, now: time.Now}
}

// Dialect 返回数据库方言。
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping 用于健康检查。
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close 关闭连接池。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Agents 返回代理名册存储。
func (d *DB) Agents() *AgentStore { return &AgentStore{d} }

// Memory 返回记忆快照存储。
func (d *DB) Memory() *MemoryStore { return &MemoryStore{d} }

// TaskLog 返回任务日志存储。
func (d *DB) TaskLog() *TaskLogStore { return &TaskLogStore{d} }

// Sessions 返回会话存储。
func (d *DB) Sessions() *SessionStore { return &SessionStore{d} }

// Validations 返回复核请求存储。
func (d *DB) Validations() *ValidationStore { return &ValidationStore{d} }

// Jobs 返回异步作业存储。
func (d *DB) Jobs() *JobStore { return &JobStore{d} }

func (d *DB) nowMillis() int64 { return d.now().UnixMilli() }

// isDuplicate 判断错误是否为唯一键冲突。
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func storageErr(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化字段失败")
	}
	return string(data), nil
}

func decodeJSON(raw sql.NullString, dest any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dest); err != nil {
		return storageErr(err, "解析 JSON 字段失败")
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows。
type rowScanner interface {
	Scan(dest ...any) error
}
