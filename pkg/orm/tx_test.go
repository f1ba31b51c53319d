package orm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/orm/ormtest"
)

type row struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;size:32"`
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	db := ormtest.NewSQLite(t, &row{})
	ctx := context.Background()

	err := orm.Transaction(ctx, db, func(txCtx context.Context) error {
		assert.True(t, orm.InTx(txCtx))
		return orm.DB(txCtx, db).Create(&row{Name: "a"}).Error
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = orm.Transaction(ctx, db, func(txCtx context.Context) error {
		if err := orm.DB(txCtx, db).Create(&row{Name: "b"}).Error; err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, db.Model(&row{}).Count(&n).Error)
	assert.Equal(t, int64(1), n, "回滚的数据不应该落库")
}

func TestTransaction_NestedReusesOuter(t *testing.T) {
	db := ormtest.NewSQLite(t, &row{})
	ctx := context.Background()

	err := orm.Transaction(ctx, db, func(outer context.Context) error {
		if err := orm.Transaction(outer, db, func(inner context.Context) error {
			return orm.DB(inner, db).Create(&row{Name: "inner"}).Error
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	require.Error(t, err)

	var n int64
	require.NoError(t, db.Model(&row{}).Count(&n).Error)
	assert.Zero(t, n, "内层复用外层事务，外层回滚内层也要回滚")
}

func TestIsDuplicate(t *testing.T) {
	db := ormtest.NewSQLite(t, &row{})
	require.NoError(t, db.Create(&row{Name: "dup"}).Error)
	err := db.Create(&row{Name: "dup"}).Error
	require.Error(t, err)
	assert.True(t, orm.IsDuplicate(err))
	assert.False(t, orm.IsDuplicate(errors.New("other")))
	assert.False(t, orm.IsDuplicate(nil))
}
