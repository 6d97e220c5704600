package session

import (
	"fmt"
	"math"
	"strings"

	"github.com/wfunc/soap-vend/internal/catalog"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
)

// maxDescriptionBytes 结算描述的字节上限（刷卡器协议规定）
const maxDescriptionBytes = 30

// Entry 账目条目
//
// 每个商品至多一条，重复选择同一商品在原条目上累加。
// 数量在单次交易内单调不减。
type Entry struct {
	ProductID  string  // 商品ID
	Quantity   float64 // 累计数量（单位）
	PriceCents int64   // 按累计数量计算的价格（分）
}

// ReceiptLine 小票行
type ReceiptLine struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
	PriceCents int64   `json:"price_cents"`
}

// Receipt 顾客小票
type Receipt struct {
	Lines      []ReceiptLine `json:"lines"`
	TotalCents int64         `json:"total_cents"`
}

// Ledger 交易会话账目
//
// 由编排器单线程独占写入，无内部锁。
// 条目按首次出货顺序排列。
type Ledger struct {
	catalog *catalog.Catalog
	entries []*Entry
	index   map[string]*Entry
}

// NewLedger 创建账目
func NewLedger(cat *catalog.Catalog) *Ledger {
	return &Ledger{
		catalog: cat,
		index:   make(map[string]*Entry),
	}
}

// roundCents 对累计金额做四舍五入（分界处half-up）
//
// 价格始终从累计数量一次性计算，绝不累加逐脉冲的舍入结果，
// 以避免舍入漂移。同一最终数量无论如何分批出货，金额相同。
func roundCents(quantity float64, pricePerUnitCents int64) int64 {
	return int64(math.Floor(quantity*float64(pricePerUnitCents) + 0.5))
}

// RecordDispense 记录一次出货增量
//
// 为productID的条目累加数量（不存在则创建），并按累计数量
// 重新计算该条目价格。
func (l *Ledger) RecordDispense(productID string, quantity float64) error {
	if quantity < 0 {
		return apperrors.Newf(apperrors.ErrInvalidParam, "出货数量不能为负数: %f", quantity)
	}

	product, ok := l.catalog.ByID(productID)
	if !ok {
		return apperrors.New(apperrors.ErrProductUnknown, productID)
	}

	entry, ok := l.index[productID]
	if !ok {
		entry = &Entry{ProductID: productID}
		l.entries = append(l.entries, entry)
		l.index[productID] = entry
	}

	entry.Quantity += quantity
	entry.PriceCents = roundCents(entry.Quantity, product.PricePerUnitCents)
	return nil
}

// PeekTotal 预演一次出货后的总额，不修改账目
//
// 编排器在应用脉冲增量前用它检查预授权上限。
func (l *Ledger) PeekTotal(productID string, quantity float64) (int64, error) {
	product, ok := l.catalog.ByID(productID)
	if !ok {
		return 0, apperrors.New(apperrors.ErrProductUnknown, productID)
	}

	current := 0.0
	if entry, ok := l.index[productID]; ok {
		current = entry.Quantity
	}

	total := roundCents(current+quantity, product.PricePerUnitCents)
	for _, e := range l.entries {
		if e.ProductID != productID {
			total += e.PriceCents
		}
	}
	return total, nil
}

// TotalCents 当前总额（各条目独立舍入后求和）
func (l *Ledger) TotalCents() int64 {
	var total int64
	for _, e := range l.entries {
		total += e.PriceCents
	}
	return total
}

// ItemCount 数量大于零的条目数
func (l *Ledger) ItemCount() int {
	count := 0
	for _, e := range l.entries {
		if e.Quantity > 0 {
			count++
		}
	}
	return count
}

// HasEntry 判断商品是否已有条目
func (l *Ledger) HasEntry(productID string) bool {
	_, ok := l.index[productID]
	return ok
}

// Entries 返回条目快照（首次出货顺序）
func (l *Ledger) Entries() []Entry {
	snapshot := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		snapshot = append(snapshot, *e)
	}
	return snapshot
}

// IsEmpty 判断账目是否为空
func (l *Ledger) IsEmpty() bool {
	return l.ItemCount() == 0
}

// RenderReceipt 渲染顾客小票（首次出货顺序，含总额）
func (l *Ledger) RenderReceipt() *Receipt {
	receipt := &Receipt{}
	for _, e := range l.entries {
		if e.Quantity <= 0 {
			continue
		}

		line := ReceiptLine{
			Quantity:   e.Quantity,
			PriceCents: e.PriceCents,
		}
		if product, ok := l.catalog.ByID(e.ProductID); ok {
			line.Name = product.Name
			line.Unit = product.Unit
		} else {
			line.Name = e.ProductID
		}

		receipt.Lines = append(receipt.Lines, line)
		receipt.TotalCents += e.PriceCents
	}
	return receipt
}

// RenderSettlementDescription 渲染结算描述
//
// 保证不超过协议的30字节上限。各商品摘要放不下时
// 退化为"品类数+总额"的汇总，绝不在词中途截断。
func (l *Ledger) RenderSettlementDescription() string {
	var parts []string
	for _, e := range l.entries {
		if e.Quantity <= 0 {
			continue
		}
		name := e.ProductID
		if product, ok := l.catalog.ByID(e.ProductID); ok {
			name = product.Name
		}
		parts = append(parts, fmt.Sprintf("%s %.1f", name, e.Quantity))
	}

	desc := strings.Join(parts, ",")
	if len(desc) > 0 && len(desc) <= maxDescriptionBytes {
		return desc
	}

	total := l.TotalCents()
	summary := fmt.Sprintf("%d items $%d.%02d", l.ItemCount(), total/100, total%100)
	if len(summary) <= maxDescriptionBytes {
		return summary
	}
	return summary[:maxDescriptionBytes]
}

// Reset 清空全部条目
//
// 每个交易生命周期调用一次，绝不在交易中途调用。
func (l *Ledger) Reset() {
	l.entries = nil
	l.index = make(map[string]*Entry)
}
