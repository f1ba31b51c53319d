package repo

import (
	"context"

	"spotex.com/internal/ledger/repo/model"
)

type BalancesRepo interface {
	// GetForUpdate 行锁读取；create=true 时不存在就先插入一行 0 余额
	GetForUpdate(ctx context.Context, ownerType uint8, ownerID uint64, asset string, create bool) (*model.BalanceRow, error)
	Save(ctx context.Context, row *model.BalanceRow) error
	List(ctx context.Context, ownerType uint8, ownerID uint64, asset string) ([]model.BalanceRow, error)
}

type EntriesRepo interface {
	Append(ctx context.Context, entries ...*model.EntryRow) error
	ListByRef(ctx context.Context, refType, refID string) ([]model.EntryRow, error)
}

type Repo interface {
	BalancesRepo
	EntriesRepo
}
