package redistribute

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/offer"
)

// MySQLStore 使用 MySQL 记录在途批次状态，进程重启后可恢复现场。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS batch_states (
        id VARCHAR(36) PRIMARY KEY,
        source_offer_id VARCHAR(64) NOT NULL,
        destination VARCHAR(64) NOT NULL,
        items TEXT,
        message TEXT,
        status VARCHAR(32) NOT NULL,
        sent_offer_id VARCHAR(64) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_batch_status (status),
        INDEX idx_batch_updated (updated_at),
        INDEX idx_batch_source (source_offer_id)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 batch_states 表失败")
	}
	return nil
}

// Create 插入新的批次记录。
func (s *MySQLStore) Create(ctx context.Context, batch *Batch) error {
	if batch == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}
	if strings.TrimSpace(batch.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}

	now := time.Now().Unix()
	batch.CreatedAt = now
	batch.UpdatedAt = now

	itemsValue, err := marshalItems(batch.Items)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码批次物品失败")
	}

	const stmt = `INSERT INTO batch_states
        (id, source_offer_id, destination, items, message, status, sent_offer_id, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		batch.ID,
		batch.SourceOfferID,
		batch.Destination,
		itemsValue,
		batch.Message,
		batch.Status,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrBatchConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入批次失败")
	}
	return nil
}

// Get 查询指定批次。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Batch, error) {
	const stmt = `SELECT id, source_offer_id, destination, items, message, status, sent_offer_id, last_error, error_code, created_at, updated_at
        FROM batch_states WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	batch, err := scanBatch(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return batch, nil
}

// Update 覆盖写入批次的当前状态。
func (s *MySQLStore) Update(ctx context.Context, batch *Batch) error {
	if batch == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}

	itemsValue, err := marshalItems(batch.Items)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码批次物品失败")
	}

	const stmt = `UPDATE batch_states SET items = ?, message = ?, status = ?, sent_offer_id = ?,
        last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		itemsValue,
		batch.Message,
		batch.Status,
		batch.SentOfferID,
		batch.LastError,
		batch.ErrorCode,
		now,
		batch.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrBatchNotFound
	}
	batch.UpdatedAt = now
	return nil
}

// List 返回最近的批次。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Batch, error) {
	opts.applyDefaults()

	query := `SELECT id, source_offer_id, destination, items, message, status, sent_offer_id, last_error, error_code, created_at, updated_at FROM batch_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次列表失败")
	}
	defer rows.Close()

	batches := make([]*Batch, 0, opts.Limit)
	for rows.Next() {
		batch, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历批次失败")
	}
	return batches, nil
}

// Stats 返回符合过滤条件的批次聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (BatchStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS building,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS ready,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS sent,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS voided,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM batch_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StateBuilding), string(StateReady), string(StateSent), string(StateConfirmed), string(StateVoided)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats BatchStats
	if err := row.Scan(
		&stats.Total,
		&stats.Building,
		&stats.Ready,
		&stats.Sent,
		&stats.Confirmed,
		&stats.Voided,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return BatchStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanBatch(scan func(dest ...any) error) (*Batch, error) {
	var batch Batch
	var items sql.NullString
	if err := scan(
		&batch.ID,
		&batch.SourceOfferID,
		&batch.Destination,
		&items,
		&batch.Message,
		&batch.Status,
		&batch.SentOfferID,
		&batch.LastError,
		&batch.ErrorCode,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次记录失败")
	}
	decoded, err := unmarshalItems(items)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次物品失败")
	}
	batch.Items = decoded
	return &batch, nil
}

func marshalItems(items []offer.Item) (sql.NullString, error) {
	if len(items) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalItems(raw sql.NullString) ([]offer.Item, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var items []offer.Item
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for range opts.States {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, state := range opts.States {
			args = append(args, state)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR source_offer_id LIKE ? OR destination LIKE ? OR sent_offer_id LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
