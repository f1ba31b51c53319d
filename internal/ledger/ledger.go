package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"spotex.com/internal/ledger/repo"
	"spotex.com/internal/ledger/repo/model"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/xerr"
)

// Ledger 资金账本。Lock/Unlock/Credit/Debit 都可以在调用方的事务里组合：
// ctx 里带了事务就复用，不带就自己开一个
type Ledger struct {
	db    *gorm.DB
	repo  repo.Repo
	cache Cache
	sf    singleflight.Group
	ttl   time.Duration
}

func New(db *gorm.DB, r repo.Repo, cache Cache) *Ledger {
	if cache == nil {
		cache = nopCache{}
	}
	return &Ledger{
		db:    db,
		repo:  r,
		cache: cache,
		ttl:   10 * time.Minute,
	}
}

// WithCacheTTL 余额缓存过期时间，<=0 保持默认
func (l *Ledger) WithCacheTTL(ttl time.Duration) *Ledger {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// Lock available -> locked
func (l *Ledger) Lock(ctx context.Context, owner Owner, asset string, amount decimal.Decimal, ref Ref) error {
	return l.apply(ctx, owner, asset, KindLock, amount, ref, false, func(b *model.BalanceRow) error {
		if b.Available.LessThan(amount) {
			return xerr.Newf(xerr.InsufficientBalance, "insufficient %s: available %s < %s", asset, b.Available, amount)
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		return nil
	})
}

// Unlock locked -> available
func (l *Ledger) Unlock(ctx context.Context, owner Owner, asset string, amount decimal.Decimal, ref Ref) error {
	return l.apply(ctx, owner, asset, KindUnlock, amount, ref, false, func(b *model.BalanceRow) error {
		if b.Locked.LessThan(amount) {
			return xerr.Newf(xerr.InvalidState, "locked %s underflow: locked %s < %s", asset, b.Locked, amount)
		}
		b.Locked = b.Locked.Sub(amount)
		b.Available = b.Available.Add(amount)
		return nil
	})
}

// Credit available += amount，行不存在就建
func (l *Ledger) Credit(ctx context.Context, owner Owner, asset string, amount decimal.Decimal, ref Ref) error {
	return l.apply(ctx, owner, asset, KindCredit, amount, ref, true, func(b *model.BalanceRow) error {
		b.Available = b.Available.Add(amount)
		return nil
	})
}

// Debit available -= amount，不够直接拒绝
func (l *Ledger) Debit(ctx context.Context, owner Owner, asset string, amount decimal.Decimal, ref Ref) error {
	return l.apply(ctx, owner, asset, KindDebit, amount, ref, false, func(b *model.BalanceRow) error {
		if b.Available.LessThan(amount) {
			return xerr.Newf(xerr.InsufficientBalance, "insufficient %s: available %s < %s", asset, b.Available, amount)
		}
		b.Available = b.Available.Sub(amount)
		return nil
	})
}

// CollectFee 手续费入系统账户，流水单独记成 fee
func (l *Ledger) CollectFee(ctx context.Context, asset string, amount decimal.Decimal, ref Ref) error {
	return l.apply(ctx, FeeAccount, asset, KindFee, amount, ref, true, func(b *model.BalanceRow) error {
		b.Available = b.Available.Add(amount)
		return nil
	})
}

func (l *Ledger) apply(ctx context.Context, owner Owner, asset string, kind string, amount decimal.Decimal,
	ref Ref, create bool, mutate func(b *model.BalanceRow) error) error {
	if amount.IsNegative() {
		return xerr.Newf(xerr.RequestParamsError, "%s amount must not be negative: %s", kind, amount)
	}
	if amount.IsZero() {
		return nil
	}
	standalone := !orm.InTx(ctx)

	start := time.Now()
	err := orm.Transaction(ctx, l.db, func(txCtx context.Context) error {
		row, err := l.repo.GetForUpdate(txCtx, uint8(owner.Type), owner.ID, asset, create)
		if orm.IsNotFound(err) {
			// 没有这行就当余额为 0，正数金额的 lock/unlock/debit 一定失败
			zero := &model.BalanceRow{OwnerType: uint8(owner.Type), OwnerID: owner.ID, Asset: asset}
			if err := mutate(zero); err != nil {
				return err
			}
			return xerr.Newf(xerr.InvalidState, "balance %s/%s not found", owner, asset)
		}
		if err != nil {
			return xerr.Wrap(err, xerr.DbError, fmt.Sprintf("load balance %s/%s", owner, asset))
		}
		if err := mutate(row); err != nil {
			return err
		}
		if row.Available.IsNegative() || row.Locked.IsNegative() {
			return xerr.Newf(xerr.InvalidState, "balance %s/%s would go negative", owner, asset)
		}
		if err := l.repo.Save(txCtx, row); err != nil {
			return xerr.Wrap(err, xerr.DbError, fmt.Sprintf("save balance %s/%s", owner, asset))
		}
		if err := l.repo.Append(txCtx, &model.EntryRow{
			OwnerType: uint8(owner.Type),
			OwnerID:   owner.ID,
			Asset:     asset,
			Kind:      kind,
			Amount:    amount,
			RefType:   ref.Type,
			RefID:     ref.ID,
		}); err != nil {
			return xerr.Wrap(err, xerr.DbError, "append ledger entry")
		}
		return nil
	})
	metrics.ObserveDB("ledger_"+kind, start, err)
	if err != nil {
		return err
	}
	if standalone && owner.Type == OwnerUser {
		l.Invalidate(ctx, owner.ID)
	}
	return nil
}

// Balances 读用户余额：缓存 -> singleflight -> DB
func (l *Ledger) Balances(ctx context.Context, userID uint64, asset string) ([]Balance, error) {
	if res, ok, err := l.cache.GetBalances(ctx, userID, asset); err == nil && ok {
		return res, nil
	}
	key := fmt.Sprintf("%d:%s", userID, asset)
	v, err, _ := l.sf.Do(key, func() (interface{}, error) {
		rows, err := l.repo.List(ctx, uint8(OwnerUser), userID, asset)
		if err != nil {
			return nil, err
		}
		res := make([]Balance, 0, len(rows))
		for _, r := range rows {
			res = append(res, Balance{
				Asset:     r.Asset,
				Available: r.Available,
				Locked:    r.Locked,
				UpdatedAt: r.UpdatedAt,
			})
		}
		if err := l.cache.SetBalances(ctx, userID, asset, res, l.ttl); err != nil {
			logger.Warn(ctx, "balance cache set failed", zap.Uint64("user_id", userID), zap.Error(err))
		}
		return res, nil
	})
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "query balances")
	}
	return cloneBalances(v.([]Balance)), nil
}

// Balance 单个资产，行不存在返回 0
func (l *Ledger) Balance(ctx context.Context, owner Owner, asset string) (Balance, error) {
	rows, err := l.repo.List(ctx, uint8(owner.Type), owner.ID, asset)
	if err != nil {
		return Balance{}, xerr.Wrap(err, xerr.DbError, "query balance")
	}
	if len(rows) == 0 {
		return Balance{Asset: asset}, nil
	}
	return Balance{Asset: rows[0].Asset, Available: rows[0].Available, Locked: rows[0].Locked, UpdatedAt: rows[0].UpdatedAt}, nil
}

// Entries 某个业务单据产生的流水
func (l *Ledger) Entries(ctx context.Context, ref Ref) ([]model.EntryRow, error) {
	return l.repo.ListByRef(ctx, ref.Type, ref.ID)
}

// Invalidate 事务提交后调用，删掉相关用户的余额缓存
func (l *Ledger) Invalidate(ctx context.Context, userIDs ...uint64) {
	for _, id := range userIDs {
		if err := l.cache.DelBalances(ctx, id); err != nil {
			logger.Warn(ctx, "balance cache invalidate failed", zap.Uint64("user_id", id), zap.Error(err))
		}
	}
}
