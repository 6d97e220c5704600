package vend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/soap-vend/internal/catalog"
	"github.com/wfunc/soap-vend/internal/config"
	"github.com/wfunc/soap-vend/internal/display"
	"github.com/wfunc/soap-vend/internal/eport"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
	"github.com/wfunc/soap-vend/internal/hardware"
	"github.com/wfunc/soap-vend/internal/models"
	"github.com/wfunc/soap-vend/internal/repository"
	"github.com/wfunc/soap-vend/internal/session"
	"go.uber.org/zap"
)

// State 交易状态
type State string

const (
	// StateIdle 待机（等待刷卡器进入可授权状态）
	StateIdle State = "idle"
	// StateAuthorizing 授权中（已发起预授权，等待刷卡与审批）
	StateAuthorizing State = "authorizing"
	// StateAwaitingSelection 等待选择商品
	StateAwaitingSelection State = "awaiting_selection"
	// StateDispensing 出货中
	StateDispensing State = "dispensing"
	// StateSettling 结算中
	StateSettling State = "settling"
	// StateError 故障
	StateError State = "error"
)

// ErrorKind 故障类别
type ErrorKind string

const (
	// ErrorPeripheralUnresponsive 刷卡器无响应
	ErrorPeripheralUnresponsive ErrorKind = "peripheral_unresponsive"
	// ErrorHardwareFault 机台硬件故障
	ErrorHardwareFault ErrorKind = "hardware_fault"
)

// PaymentClient 刷卡器协议客户端
type PaymentClient interface {
	PollStatus() (*eport.PollResult, error)
	Reset() error
	RequestAuthorization(amountCents int64) error
	SendSettlement(items []eport.SettlementItem, lineItemCount int) error
	FetchTransactionID() (string, error)
}

// Orchestrator 交易编排器
//
// 唯一的会话与账目写入方：所有硬件事件经单一有序通道
// 在本循环内解释，超时以单调时钟在每轮迭代检查。
type Orchestrator struct {
	cfg         *config.Config
	client      PaymentClient
	catalog     *catalog.Catalog
	ledger      *session.Ledger
	events      <-chan hardware.Event
	motors      hardware.MotorSink
	display     display.Sink
	settlements repository.SettlementRepository // 可为nil（无数据库调试）
	log         *zap.Logger

	stateMu sync.RWMutex
	state   State
	current *catalog.Product // 出货中的商品

	// 会话状态
	sessionStart time.Time
	lastActivity time.Time
	lastSwitch   time.Time
	warningShown bool
	settled      bool // 本会话的结算帧是否已发出
	settleReason string

	// 故障计数
	errorKind         ErrorKind
	motorErrors       int
	consecutiveErrors int
	authPollFailures  int
}

// New 创建编排器
func New(cfg *config.Config, client PaymentClient, cat *catalog.Catalog,
	events <-chan hardware.Event, motors hardware.MotorSink, sink display.Sink,
	settlements repository.SettlementRepository, log *zap.Logger) *Orchestrator {

	return &Orchestrator{
		cfg:         cfg,
		client:      client,
		catalog:     cat,
		ledger:      session.NewLedger(cat),
		events:      events,
		motors:      motors,
		display:     sink,
		settlements: settlements,
		log:         log,
		state:       StateIdle,
	}
}

// State 当前状态
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// Ledger 当前账目（仅供只读检视）
func (o *Orchestrator) Ledger() *session.Ledger {
	return o.ledger
}

// setState 切换状态并推送显示
func (o *Orchestrator) setState(to State) {
	if o.state == to {
		return
	}
	o.log.Info("状态切换",
		zap.String("from", string(o.state)),
		zap.String("to", string(to)))
	o.stateMu.Lock()
	o.state = to
	o.stateMu.Unlock()
	o.display.StateChanged(string(to))
}

// Run 运行编排器主循环
//
// 阻塞直到ctx取消或连续错误超过上限。
// 每轮迭代之间固定等待轮询间隔，限制对刷卡器的轮询频率。
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("交易编排器启动",
		zap.Int64("auth_amount_cents", o.cfg.EPort.AuthAmountCents),
		zap.Int("products", o.catalog.Count()))

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		default:
		}

		var err error
		switch o.state {
		case StateIdle:
			err = o.stepIdle()
		case StateAuthorizing:
			err = o.stepAuthorizing()
		case StateAwaitingSelection, StateDispensing:
			o.stepSession(ctx)
		case StateSettling:
			o.settle()
		case StateError:
			o.stepError()
		}

		if err != nil {
			o.consecutiveErrors++
			o.log.Error("主循环错误",
				zap.Int("consecutive", o.consecutiveErrors),
				zap.Error(err))
			if o.consecutiveErrors >= o.cfg.Vend.MaxConsecutiveErrors {
				o.log.Error("连续错误超过上限，编排器退出",
					zap.Int("max", o.cfg.Vend.MaxConsecutiveErrors))
				o.shutdown()
				return apperrors.Wrap(err, apperrors.ErrDeviceOffline, "连续错误超过上限")
			}
		} else {
			o.consecutiveErrors = 0
		}

		// 会话中事件等待已含轮询间隔，不再额外等待
		if o.state != StateAwaitingSelection && o.state != StateDispensing {
			time.Sleep(o.cfg.Vend.PollInterval)
		}
	}
}

// stepIdle 待机轮询
//
// 刷卡器处于禁用状态即视为"有卡待授权"的触发：
// 先复位再发起预授权，审批结果由授权状态继续观察。
func (o *Orchestrator) stepIdle() error {
	result, err := o.client.PollStatus()
	if err != nil {
		return err
	}

	switch result.Status {
	case eport.StatusDisabled:
		o.log.Info("刷卡器待授权，发起预授权流程")
		if err := o.client.Reset(); err != nil {
			return err
		}
		time.Sleep(o.cfg.EPort.PostResetDelay)
		if err := o.client.RequestAuthorization(o.cfg.EPort.AuthAmountCents); err != nil {
			return err
		}
		o.setState(StateAuthorizing)

	case eport.StatusDeclined:
		o.showDecline()

	case eport.StatusAuthorized:
		// 启动前残留的授权（例如上次进程中断），直接开始会话
		o.startSession()

	default:
		// 空闲或过渡状态，继续轮询
	}
	return nil
}

// stepAuthorizing 等待审批
//
// 审批是异步的：刷卡器先后经过等待刷卡、授权处理中，
// 最终到达已授权或拒付。
func (o *Orchestrator) stepAuthorizing() error {
	result, err := o.client.PollStatus()
	if err != nil {
		o.authPollFailures++
		if o.authPollFailures >= o.cfg.EPort.MaxRetries {
			o.log.Error("授权期间刷卡器持续无响应", zap.Error(err))
			o.enterError(ErrorPeripheralUnresponsive)
		}
		return nil
	}
	o.authPollFailures = 0

	switch result.Status {
	case eport.StatusAuthorized:
		o.startSession()

	case eport.StatusDeclined:
		o.showDecline()
		o.setState(StateIdle)

	case eport.StatusExpectingSwipe, eport.StatusAuthorizing, eport.StatusDisabled:
		// 等待顾客刷卡/银行审批

	default:
		o.log.Warn("授权期间收到意外状态",
			zap.String("status", result.Status.String()))
	}
	return nil
}

// startSession 授权通过，开始交易会话
func (o *Orchestrator) startSession() {
	now := time.Now()
	o.sessionStart = now
	o.lastActivity = now
	o.lastSwitch = time.Time{}
	o.warningShown = false
	o.settled = false
	o.settleReason = ""
	o.motorErrors = 0
	o.authPollFailures = 0
	o.ledger.Reset()
	o.current = nil

	o.log.Info("授权通过，会话开始",
		zap.Int64("hold_cents", o.cfg.EPort.AuthAmountCents))
	o.display.ShowMessage(display.MessageKindInfo, "授权成功，请选择商品")
	o.setState(StateAwaitingSelection)
}

// stepSession 会话内事件循环（等待选择/出货中）
//
// 阻塞等待下一个硬件事件，至多一个轮询间隔，
// 随后统一检查各类超时。
func (o *Orchestrator) stepSession(ctx context.Context) {
	timer := time.NewTimer(o.cfg.Vend.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case event, ok := <-o.events:
		if !ok {
			o.log.Error("硬件事件源已关闭")
			o.hardwareFault("事件源关闭")
			return
		}
		o.handleEvent(event)
	case <-timer.C:
	}

	o.checkTimers()
}

// handleEvent 解释一个硬件事件
func (o *Orchestrator) handleEvent(event hardware.Event) {
	switch event.Kind {
	case hardware.ButtonDown:
		o.handleButtonDown(event.Pin)
	case hardware.ButtonUp:
		o.handleButtonUp(event.Pin)
	case hardware.FlowPulse:
		o.handleFlowPulse(event.Pin)
	case hardware.DoneButton:
		o.handleDone()
	}
}

// handleButtonDown 商品选择按钮按下
//
// 同时是商品切换的入口：切换冻结前一商品的累计
// （保留账目条目），在新商品上恢复或创建条目。
func (o *Orchestrator) handleButtonDown(pin int) {
	product, ok := o.catalog.ByButtonPin(pin)
	if !ok {
		o.log.Debug("未知按钮引脚", zap.Int("pin", pin))
		return
	}

	// 停用商品在转换守卫处拒绝，状态不变
	if product.IsOutOfOrder() {
		o.log.Info("商品停用，拒绝选择",
			zap.String("product", product.ID),
			zap.String("message", product.Message))
		msg := product.Message
		if msg == "" {
			msg = fmt.Sprintf("%s 暂停供应", product.Name)
		}
		o.display.ShowMessage(display.MessageKindWarning, msg)
		return
	}

	// 品类上限守卫：新商品会新建条目时检查
	if !o.ledger.HasEntry(product.ID) &&
		o.ledger.ItemCount() >= o.cfg.Vend.MaxItemsPerSession {
		o.log.Info("超过品类上限，拒绝选择",
			zap.String("product", product.ID),
			zap.Int("max_items", o.cfg.Vend.MaxItemsPerSession))
		o.display.ShowMessage(display.MessageKindWarning,
			fmt.Sprintf("单笔交易最多%d种商品", o.cfg.Vend.MaxItemsPerSession))
		return
	}

	now := time.Now()

	// 切换防抖
	if !o.lastSwitch.IsZero() && now.Sub(o.lastSwitch) < o.cfg.Vend.SwitchDebounce {
		return
	}

	// 已在出同一商品则忽略
	if o.state == StateDispensing && o.current != nil && o.current.ID == product.ID {
		return
	}

	// 切换商品：先停前一商品的电机
	if o.current != nil {
		o.motorOff(o.current)
	}

	if err := o.motorOn(product); err != nil {
		return
	}

	o.current = product
	o.lastSwitch = now
	o.touch()

	o.log.Info("开始出货",
		zap.String("product", product.ID),
		zap.Int("motor_pin", product.MotorPin))
	o.setState(StateDispensing)
}

// handleButtonUp 选择按钮释放
func (o *Orchestrator) handleButtonUp(pin int) {
	if o.state != StateDispensing || o.current == nil {
		return
	}
	if pin != o.current.ButtonPin {
		return
	}

	o.motorOff(o.current)
	o.current = nil
	o.touch()
	o.setState(StateAwaitingSelection)
}

// handleFlowPulse 流量计脉冲
//
// 将脉冲增量按标定系数换算为数量增量并记账。
// 记账前先预演总额：超过预授权或单笔上限时停机，
// 本脉冲不记账，回到等待选择。
func (o *Orchestrator) handleFlowPulse(pin int) {
	if o.state != StateDispensing || o.current == nil {
		return
	}
	if pin != o.current.FlowmeterPin {
		return
	}

	delta := 1.0 / o.current.PulsesPerUnit

	peek, err := o.ledger.PeekTotal(o.current.ID, delta)
	if err != nil {
		o.log.Error("预演总额失败", zap.Error(err))
		return
	}

	if peek > o.cfg.EPort.AuthAmountCents || peek > o.cfg.Vend.MaxTransactionCents {
		o.log.Info("达到金额上限，停止出货",
			zap.String("product", o.current.ID),
			zap.Int64("would_be_cents", peek),
			zap.Int64("hold_cents", o.cfg.EPort.AuthAmountCents))
		o.motorOff(o.current)
		o.current = nil
		o.touch()
		o.display.ShowMessage(display.MessageKindWarning, "已达本次交易金额上限")
		o.setState(StateAwaitingSelection)
		return
	}

	if err := o.ledger.RecordDispense(o.current.ID, delta); err != nil {
		o.log.Error("记账失败", zap.Error(err))
		return
	}
	o.touch()

	entries := o.ledger.Entries()
	for _, e := range entries {
		if e.ProductID == o.current.ID {
			o.display.ShowQuantity(display.QuantityUpdate{
				ProductID:  o.current.ID,
				Name:       o.current.Name,
				Quantity:   e.Quantity,
				Unit:       o.current.Unit,
				PriceCents: e.PriceCents,
			})
			break
		}
	}
	o.display.ShowTotal(o.ledger.TotalCents())
}

// handleDone 完成按钮
func (o *Orchestrator) handleDone() {
	if o.current != nil {
		o.motorOff(o.current)
		o.current = nil
	}

	// 空账目的完成等同取消：没有出货就绝不扣款
	if o.ledger.IsEmpty() {
		o.log.Info("空会话完成，取消交易")
		o.cancelSession()
		return
	}

	o.settleReason = models.SettleReasonDone
	o.setState(StateSettling)
}

// checkTimers 检查会话超时
//
// 墙钟（单调时钟）比较，每轮迭代执行。
func (o *Orchestrator) checkTimers() {
	if o.state != StateAwaitingSelection && o.state != StateDispensing {
		return
	}

	now := time.Now()
	idle := now.Sub(o.lastActivity)
	elapsed := now.Sub(o.sessionStart)

	// 会话超长：无论警告状态，强制完成
	if elapsed >= o.cfg.Vend.MaxSessionTime {
		o.log.Info("会话超长，强制完成",
			zap.Duration("elapsed", elapsed))
		if o.current != nil {
			o.motorOff(o.current)
			o.current = nil
		}
		if o.ledger.IsEmpty() {
			o.cancelSession()
			return
		}
		o.settleReason = models.SettleReasonMaxSession
		o.setState(StateSettling)
		return
	}

	// 无操作超时
	if idle >= o.cfg.Vend.InactivityTimeout {
		if o.current != nil {
			o.motorOff(o.current)
			o.current = nil
		}
		if o.ledger.IsEmpty() {
			// 静默取消，无扣款也无错误提示
			o.log.Info("无操作且无出货，取消交易")
			o.cancelSession()
			return
		}
		o.log.Info("无操作自动完成", zap.Duration("idle", idle))
		o.settleReason = models.SettleReasonInactivity
		o.setState(StateSettling)
		return
	}

	// 无操作警告：仅显示事件，不改变状态，每次活动后至多一次
	if !o.warningShown && idle >= o.cfg.Vend.InactivityWarning {
		o.warningShown = true
		remaining := int((o.cfg.Vend.InactivityTimeout - idle).Seconds())
		o.log.Debug("无操作警告", zap.Int("seconds_remaining", remaining))
		o.display.ShowTimer(remaining)
	}
}

// touch 记录活动时间
func (o *Orchestrator) touch() {
	o.lastActivity = time.Now()
	o.warningShown = false
}

// motorOn 开启电机，累计失败达到上限触发硬件故障
func (o *Orchestrator) motorOn(p *catalog.Product) error {
	if err := o.motors.SetMotor(p.MotorPin, true); err != nil {
		o.motorErrors++
		o.log.Error("电机开启失败",
			zap.String("product", p.ID),
			zap.Int("motor_errors", o.motorErrors),
			zap.Error(err))
		if o.motorErrors >= o.cfg.Vend.MaxMotorErrors {
			o.hardwareFault("电机连续失败")
		}
		return err
	}
	return nil
}

// motorOff 停止电机（同步，始终尽力执行）
func (o *Orchestrator) motorOff(p *catalog.Product) {
	if err := o.motors.SetMotor(p.MotorPin, false); err != nil {
		o.log.Error("电机停止失败",
			zap.String("product", p.ID),
			zap.Error(err))
	}
}

// hardwareFault 硬件故障
//
// 已出货的商品绝不静默丢弃：账目非空时尽力结算，
// 再进入故障状态。
func (o *Orchestrator) hardwareFault(detail string) {
	o.log.Error("硬件故障", zap.String("detail", detail))

	if o.current != nil {
		o.motorOff(o.current)
		o.current = nil
	}

	if !o.ledger.IsEmpty() && !o.settled {
		o.settleReason = models.SettleReasonHardwareFault
		o.settle()
	}

	o.enterError(ErrorHardwareFault)
}

// enterError 进入故障状态
func (o *Orchestrator) enterError(kind ErrorKind) {
	o.errorKind = kind
	// 技术细节只进日志，顾客看到的是通用提示
	o.display.ShowMessage(display.MessageKindError, "机器暂时无法服务，请联系工作人员")
	o.setState(StateError)
}

// stepError 故障恢复
//
// 短暂停留后复位刷卡器并回到待机，计数清零重新来过。
func (o *Orchestrator) stepError() {
	time.Sleep(o.cfg.Display.ErrorHoldTime)

	if err := o.client.Reset(); err != nil {
		o.log.Error("故障恢复时复位失败", zap.Error(err))
	}

	o.ledger.Reset()
	o.current = nil
	o.motorErrors = 0
	o.consecutiveErrors = 0
	o.authPollFailures = 0
	o.log.Info("故障恢复，回到待机",
		zap.String("kind", string(o.errorKind)))
	o.errorKind = ""
	o.setState(StateIdle)
}

// showDecline 拒付提示
func (o *Orchestrator) showDecline() {
	o.log.Info("授权被拒")
	o.display.ShowMessage(display.MessageKindDecline, "很抱歉，授权未通过")
	time.Sleep(o.cfg.Vend.DeclineHoldTime)
}

// cancelSession 取消会话（无结算，绝不扣款）
func (o *Orchestrator) cancelSession() {
	o.ledger.Reset()
	o.current = nil
	if err := o.client.Reset(); err != nil {
		o.log.Error("取消会话时复位失败", zap.Error(err))
	}
	o.setState(StateIdle)
}

// settle 结算
//
// 结算帧每个会话至多发送一次：settled在发送前置位，
// 之后无论发送或交易号查询如何失败都绝不重发——
// 刷卡器可能已经扣款，重发有重复扣款风险，
// 失败的正确响应是记录并告警，而不是重试扣款。
func (o *Orchestrator) settle() {
	if o.settled {
		o.log.Warn("结算已执行，跳过")
		o.finishSession()
		return
	}
	o.settled = true

	total := o.ledger.TotalCents()
	desc := o.ledger.RenderSettlementDescription()
	receipt := o.ledger.RenderReceipt()
	orderNo := uuid.New().String()

	o.log.Info("开始结算",
		zap.String("order_no", orderNo),
		zap.Int64("total_cents", total),
		zap.Int("items", o.ledger.ItemCount()),
		zap.String("reason", o.settleReason))

	items := []eport.SettlementItem{{
		Quantity:    "1",
		PriceCents:  total,
		ItemID:      "0",
		Description: desc,
	}}

	sendErr := o.client.SendSettlement(items, 1)
	if sendErr != nil {
		// 帧是否已被受理不可知，按已发送对待并人工核对
		o.log.Error("结算帧发送失败，待人工核对",
			zap.String("order_no", orderNo),
			zap.Error(sendErr))
	}

	o.journal(orderNo, total, desc)

	// 交易号查询：结算后刷卡器可能需要短暂延迟，有限重试退避
	txID, txErr := o.fetchTransactionID()
	if txErr != nil || sendErr != nil {
		detail := "交易号查询失败"
		if sendErr != nil {
			detail = "结算帧发送失败"
		}
		o.markUnconfirmed(orderNo, detail)
		o.display.ShowMessage(display.MessageKindError, "交易已完成，如有疑问请联系工作人员")
	} else {
		o.confirm(orderNo, txID)
	}

	o.display.ShowReceipt(receipt, txID)
	time.Sleep(o.cfg.Display.ReceiptHoldTime)

	o.finishSession()
}

// fetchTransactionID 有限次数重试查询交易号
func (o *Orchestrator) fetchTransactionID() (string, error) {
	retries := o.cfg.EPort.TxIDRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		txID, err := o.client.FetchTransactionID()
		if err == nil {
			return txID, nil
		}
		lastErr = err
		o.log.Warn("交易号查询失败",
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(err))
		if attempt < retries {
			time.Sleep(o.cfg.EPort.TxIDRetryBackoff)
		}
	}
	return "", lastErr
}

// journal 结算流水落库（尽力而为）
func (o *Orchestrator) journal(orderNo string, total int64, desc string) {
	if o.settlements == nil {
		return
	}

	settlement := &models.Settlement{
		OrderNo:         orderNo,
		AuthAmountCents: o.cfg.EPort.AuthAmountCents,
		TotalCents:      total,
		ItemCount:       o.ledger.ItemCount(),
		Description:     desc,
		Status:          models.SettlementStatusSent,
		Reason:          o.settleReason,
		SettledAt:       time.Now(),
	}

	for _, e := range o.ledger.Entries() {
		if e.Quantity <= 0 {
			continue
		}
		item := models.SettlementItem{
			ProductID:  e.ProductID,
			Quantity:   e.Quantity,
			PriceCents: e.PriceCents,
		}
		if p, ok := o.catalog.ByID(e.ProductID); ok {
			item.Name = p.Name
			item.Unit = p.Unit
		}
		settlement.Items = append(settlement.Items, item)
	}

	if err := o.settlements.Create(context.Background(), settlement); err != nil {
		o.log.Error("结算流水落库失败",
			zap.String("order_no", orderNo),
			zap.Error(err))
	}
}

// confirm 记录交易号
func (o *Orchestrator) confirm(orderNo, txID string) {
	o.log.Info("结算完成",
		zap.String("order_no", orderNo),
		zap.String("transaction_id", txID))
	if o.settlements != nil {
		if err := o.settlements.Confirm(context.Background(), orderNo, txID); err != nil {
			o.log.Error("更新结算流水失败", zap.Error(err))
		}
	}
}

// markUnconfirmed 标记待人工核对
func (o *Orchestrator) markUnconfirmed(orderNo, detail string) {
	o.log.Error("结算待人工核对",
		zap.String("order_no", orderNo),
		zap.String("detail", detail))
	if o.settlements != nil {
		if err := o.settlements.MarkUnconfirmed(context.Background(), orderNo, detail); err != nil {
			o.log.Error("更新结算流水失败", zap.Error(err))
		}
	}
}

// finishSession 会话收尾：清账、复位刷卡器、回到待机
func (o *Orchestrator) finishSession() {
	o.ledger.Reset()
	o.current = nil
	if err := o.client.Reset(); err != nil {
		o.log.Error("会话收尾时复位失败", zap.Error(err))
	}
	o.setState(StateIdle)
}

// shutdown 停机收尾：停电机、复位刷卡器
func (o *Orchestrator) shutdown() {
	o.log.Info("编排器停机")
	if o.current != nil {
		o.motorOff(o.current)
		o.current = nil
	}
	if err := o.client.Reset(); err != nil {
		o.log.Warn("停机时复位失败", zap.Error(err))
	}
}
