package orm

import (
	"context"
	"errors"
	"strings"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txKey string

// TxKey 事务 *gorm.DB 在 context 里的 key
const TxKey txKey = "tx_db"

// Transaction 开启事务并把 tx 注入 ctx；ctx 里已经有事务时直接复用，
// 这样 ledger / order / trade 的方法可以在同一个事务里组合
func Transaction(ctx context.Context, db *gorm.DB, fn func(txCtx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, TxKey, tx)
		return fn(txCtx)
	})
}

// DB 有事务用事务，没有就用传进来的 db
func DB(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(TxKey).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(TxKey).(*gorm.DB)
	return ok && tx != nil
}

// ForUpdate SELECT ... FOR UPDATE；sqlite 方言会忽略锁子句
func ForUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// IsDuplicate 唯一键冲突（mysql 1062 / pg 23505 / sqlite UNIQUE）
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
