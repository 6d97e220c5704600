package display

import "github.com/wfunc/soap-vend/internal/session"

// 消息种类（ShowMessage的kind参数）
const (
	MessageKindInfo    = "info"
	MessageKindWarning = "warning"
	MessageKindDecline = "decline"
	MessageKindError   = "error"
)

// QuantityUpdate 单个商品的出货进度
type QuantityUpdate struct {
	ProductID  string  `json:"product_id"`
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
	PriceCents int64   `json:"price_cents"`
}

// Sink 顾客显示屏
//
// 纯被动的事件接收方（fire-and-forget）：显示屏永远不驱动
// 任何交易逻辑，所有方法不返回错误也不阻塞编排器。
type Sink interface {
	// StateChanged 交易状态变化
	StateChanged(state string)
	// ShowQuantity 当前商品的数量与价格更新
	ShowQuantity(update QuantityUpdate)
	// ShowTotal 累计总额更新
	ShowTotal(totalCents int64)
	// ShowReceipt 交易完成后的小票
	ShowReceipt(receipt *session.Receipt, transactionID string)
	// ShowMessage 提示消息（info/warning/decline/error）
	ShowMessage(kind string, text string)
	// ShowTimer 无操作倒计时
	ShowTimer(secondsRemaining int)
}

// NopSink 空显示屏（测试与无显示屏部署）
type NopSink struct{}

func (NopSink) StateChanged(string)                  {}
func (NopSink) ShowQuantity(QuantityUpdate)          {}
func (NopSink) ShowTotal(int64)                      {}
func (NopSink) ShowReceipt(*session.Receipt, string) {}
func (NopSink) ShowMessage(string, string)           {}
func (NopSink) ShowTimer(int)                        {}
