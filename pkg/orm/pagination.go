package orm

import "gorm.io/gorm"

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// NormalizePage page 从 1 开始；limit 缺省 20，最多 200
func NormalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// ApplyPagination 历史订单这类只增不减的列表，一律带上 LIMIT，不给全表扫出去
func ApplyPagination(db *gorm.DB, page, limit int) *gorm.DB {
	page, limit = NormalizePage(page, limit)
	return db.Offset((page - 1) * limit).Limit(limit)
}
