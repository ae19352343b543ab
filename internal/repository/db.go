package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound は対象のレコードが存在しないことを表します
var ErrNotFound = errors.New("record not found")

// DB はX-Rayのサブセグメントを付与するsqlx.DBのラッパーです
type DB struct {
	*sqlx.DB
}

// NewDB は接続済みのsqlx.DBからDBを作成します
func NewDB(conn *sqlx.DB) *DB {
	return &DB{conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	_, seg := xray.BeginSegment(context.Background(), "DB.Close")
	defer seg.Close(nil)

	return db.DB.Close()
}

// BeginTxx starts a new transaction
func (db *DB) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	ctx, done := db.trace(ctx, "DB.BeginTx", "")
	tx, err := db.DB.BeginTxx(ctx, opts)
	done(err)
	return tx, err
}

// QueryxContext wraps sqlx.DB.QueryxContext with X-Ray tracing
func (db *DB) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	ctx, done := db.trace(ctx, "DB.Queryx", query)
	rows, err := db.DB.QueryxContext(ctx, query, args...)
	done(err)
	return rows, err
}

// QueryRowxContext wraps sqlx.DB.QueryRowxContext with X-Ray tracing
func (db *DB) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	ctx, done := db.trace(ctx, "DB.QueryRowx", query)
	row := db.DB.QueryRowxContext(ctx, query, args...)
	done(row.Err())
	return row
}

// ExecContext wraps sqlx.DB.ExecContext with X-Ray tracing
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, done := db.trace(ctx, "DB.Exec", query)
	result, err := db.DB.ExecContext(ctx, query, args...)
	done(err)
	return result, err
}

// SelectContext wraps sqlx.DB.SelectContext with X-Ray tracing
func (db *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, done := db.trace(ctx, "DB.Select", query)
	err := db.DB.SelectContext(ctx, dest, query, args...)
	done(err)
	return err
}

// GetContext wraps sqlx.DB.GetContext with X-Ray tracing
func (db *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	ctx, done := db.trace(ctx, "DB.Get", query)
	err := db.DB.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		// 未検出はトレース上のエラーにしない
		done(nil)
		return err
	}
	done(err)
	return err
}

// trace はサブセグメントを開始し、終了用の関数を返します
// 親セグメントがない場合はトレースせずに処理します
func (db *DB) trace(ctx context.Context, name, query string) (context.Context, func(error)) {
	subCtx, seg := xray.BeginSubsegment(ctx, name)
	if seg == nil {
		return ctx, func(error) {}
	}

	// クエリをメタデータとして追加
	if query != "" {
		if err := seg.AddMetadata("query", query); err != nil {
			log.Printf("Failed to add query metadata: %v", err)
		}
	}

	return subCtx, func(err error) {
		seg.Close(err)
	}
}
