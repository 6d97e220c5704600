package repository

import (
	"context"

	"github.com/wfunc/soap-vend/internal/models"
	"gorm.io/gorm"
)

// SettlementRepository 结算流水仓储接口
type SettlementRepository interface {
	// Create 写入一条结算流水（含商品行）
	Create(ctx context.Context, settlement *models.Settlement) error
	// GetByOrderNo 按订单号查询
	GetByOrderNo(ctx context.Context, orderNo string) (*models.Settlement, error)
	// Confirm 记录交易号并标记为已确认
	Confirm(ctx context.Context, orderNo string, transactionID string) error
	// MarkUnconfirmed 标记为待人工核对
	MarkUnconfirmed(ctx context.Context, orderNo string, detail string) error
	// Recent 按时间倒序返回最近的结算流水
	Recent(ctx context.Context, limit int) ([]*models.Settlement, error)
	// CountUnconfirmed 统计待核对的结算数
	CountUnconfirmed(ctx context.Context) (int64, error)
}

// settlementRepo 结算流水仓储实现
type settlementRepo struct {
	db *gorm.DB
}

// NewSettlementRepository 创建结算流水仓储
func NewSettlementRepository(db *gorm.DB) SettlementRepository {
	return &settlementRepo{db: db}
}

// Create 写入一条结算流水
func (r *settlementRepo) Create(ctx context.Context, settlement *models.Settlement) error {
	return r.db.WithContext(ctx).Create(settlement).Error
}

// GetByOrderNo 按订单号查询
func (r *settlementRepo) GetByOrderNo(ctx context.Context, orderNo string) (*models.Settlement, error) {
	var settlement models.Settlement
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("order_no = ?", orderNo).
		First(&settlement).Error
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// Confirm 记录交易号并标记为已确认
func (r *settlementRepo) Confirm(ctx context.Context, orderNo string, transactionID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Settlement{}).
		Where("order_no = ?", orderNo).
		Updates(map[string]interface{}{
			"transaction_id": transactionID,
			"status":         models.SettlementStatusConfirmed,
		}).Error
}

// MarkUnconfirmed 标记为待人工核对
func (r *settlementRepo) MarkUnconfirmed(ctx context.Context, orderNo string, detail string) error {
	return r.db.WithContext(ctx).
		Model(&models.Settlement{}).
		Where("order_no = ?", orderNo).
		Updates(map[string]interface{}{
			"status":      models.SettlementStatusUnconfirmed,
			"fail_detail": detail,
		}).Error
}

// Recent 按时间倒序返回最近的结算流水
func (r *settlementRepo) Recent(ctx context.Context, limit int) ([]*models.Settlement, error) {
	if limit <= 0 {
		limit = 20
	}

	var settlements []*models.Settlement
	err := r.db.WithContext(ctx).
		Preload("Items").
		Order("created_at DESC").
		Limit(limit).
		Find(&settlements).Error
	if err != nil {
		return nil, err
	}
	return settlements, nil
}

// CountUnconfirmed 统计待核对的结算数
func (r *settlementRepo) CountUnconfirmed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Settlement{}).
		Where("status = ?", models.SettlementStatusUnconfirmed).
		Count(&count).Error
	return count, err
}
