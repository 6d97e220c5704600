package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel 基础模型
type BaseModel struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 结算状态
const (
	// SettlementStatusSent 结算帧已发出（扣款结果对协议不可见）
	SettlementStatusSent = "sent"
	// SettlementStatusConfirmed 已取得交易号
	SettlementStatusConfirmed = "confirmed"
	// SettlementStatusUnconfirmed 结算帧已发出但交易号查询失败，待人工核对
	SettlementStatusUnconfirmed = "unconfirmed"
)

// 结算触发原因
const (
	SettleReasonDone          = "done_button"    // 顾客按下完成
	SettleReasonInactivity    = "inactivity"     // 无操作自动完成
	SettleReasonMaxSession    = "max_session"    // 会话超长强制完成
	SettleReasonHardwareFault = "hardware_fault" // 硬件故障后的尽力结算
)

// Settlement 结算流水表
//
// 每次结算帧发出后立即落库。结算帧每个会话至多发送一次，
// 交易号查询失败时状态为unconfirmed，供运营人工核对，
// 绝不因查询失败重发结算帧。
type Settlement struct {
	BaseModel
	OrderNo         string           `gorm:"uniqueIndex;size:64;not null" json:"order_no"`
	TransactionID   string           `gorm:"size:64;index" json:"transaction_id"` // 刷卡器返回的交易号
	AuthAmountCents int64            `gorm:"not null" json:"auth_amount_cents"`   // 预授权金额（分）
	TotalCents      int64            `gorm:"not null" json:"total_cents"`         // 实际结算金额（分）
	ItemCount       int              `gorm:"not null" json:"item_count"`
	Description     string           `gorm:"size:64" json:"description"` // 发给刷卡器的结算描述
	Status          string           `gorm:"size:20;default:'sent';index" json:"status"`
	Reason          string           `gorm:"size:50" json:"reason"`
	FailDetail      string           `gorm:"size:500" json:"fail_detail"`
	SettledAt       time.Time        `json:"settled_at"`
	Items           []SettlementItem `gorm:"foreignKey:SettlementID" json:"items,omitempty"`
}

// SettlementItem 结算商品行
type SettlementItem struct {
	BaseModel
	SettlementID uint    `gorm:"not null;index" json:"settlement_id"`
	ProductID    string  `gorm:"size:64;not null" json:"product_id"`
	Name         string  `gorm:"size:100" json:"name"`
	Quantity     float64 `gorm:"not null" json:"quantity"`
	Unit         string  `gorm:"size:20" json:"unit"`
	PriceCents   int64   `gorm:"not null" json:"price_cents"`
}

// IsConfirmed 判断是否已取得交易号
func (s *Settlement) IsConfirmed() bool {
	return s.Status == SettlementStatusConfirmed && s.TransactionID != ""
}
