package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"spotex.com/internal/ledger/repo"
	"spotex.com/internal/ledger/repo/model"
	"spotex.com/pkg/orm"
)

type ledgerRepo struct {
	db *gorm.DB
}

var _ repo.Repo = (*ledgerRepo)(nil)

func NewLedgerRepo(db *gorm.DB) repo.Repo {
	return &ledgerRepo{db: db}
}

func (r *ledgerRepo) GetForUpdate(ctx context.Context, ownerType uint8, ownerID uint64, asset string, create bool) (*model.BalanceRow, error) {
	db := orm.DB(ctx, r.db)
	row := &model.BalanceRow{}
	err := orm.ForUpdate(db).
		Where("owner_type = ? AND owner_id = ? AND asset = ?", ownerType, ownerID, asset).
		Take(row).Error
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) || !create {
		return nil, err
	}

	// 不存在：插一行 0 余额；并发插入时靠主键冲突兜底，再加锁读一次
	row = &model.BalanceRow{OwnerType: ownerType, OwnerID: ownerID, Asset: asset}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return nil, err
	}
	row = &model.BalanceRow{}
	if err := orm.ForUpdate(db).
		Where("owner_type = ? AND owner_id = ? AND asset = ?", ownerType, ownerID, asset).
		Take(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *ledgerRepo) Save(ctx context.Context, row *model.BalanceRow) error {
	return orm.DB(ctx, r.db).Model(&model.BalanceRow{}).
		Where("owner_type = ? AND owner_id = ? AND asset = ?", row.OwnerType, row.OwnerID, row.Asset).
		Updates(map[string]any{
			"available": row.Available,
			"locked":    row.Locked,
		}).Error
}

func (r *ledgerRepo) List(ctx context.Context, ownerType uint8, ownerID uint64, asset string) ([]model.BalanceRow, error) {
	// 最小防呆，避免 ownerID=0 的用户查询全表扫
	if ownerType == 1 && ownerID == 0 {
		return []model.BalanceRow{}, nil
	}
	q := orm.DB(ctx, r.db).
		Model(&model.BalanceRow{}).
		Where("owner_type = ? AND owner_id = ?", ownerType, ownerID)
	if asset != "" {
		q = q.Where("asset = ?", asset)
	}
	var rows []model.BalanceRow
	if err := q.Order("asset ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ledgerRepo) Append(ctx context.Context, entries ...*model.EntryRow) error {
	if len(entries) == 0 {
		return nil
	}
	return orm.DB(ctx, r.db).Create(entries).Error
}

func (r *ledgerRepo) ListByRef(ctx context.Context, refType, refID string) ([]model.EntryRow, error) {
	var rows []model.EntryRow
	err := orm.DB(ctx, r.db).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
