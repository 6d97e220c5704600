package hardware

import (
	"sync"
	"time"

	apperrors "github.com/wfunc/soap-vend/internal/errors"
)

// EventKind 硬件事件类型
type EventKind int

const (
	// ButtonDown 商品选择按钮按下
	ButtonDown EventKind = iota
	// ButtonUp 商品选择按钮释放
	ButtonUp
	// FlowPulse 流量计脉冲
	FlowPulse
	// DoneButton 完成按钮按下
	DoneButton
)

// String 返回事件类型名称
func (k EventKind) String() string {
	switch k {
	case ButtonDown:
		return "button_down"
	case ButtonUp:
		return "button_up"
	case FlowPulse:
		return "flow_pulse"
	case DoneButton:
		return "done_button"
	default:
		return "unknown"
	}
}

// Event 硬件事件
//
// 由事件源按到达顺序投递，投递方只做入队，
// 全部解释在编排器的单线程循环内完成。
type Event struct {
	Pin       int       // 触发引脚
	Kind      EventKind // 事件类型
	Timestamp time.Time // 到达时间
}

// EventSource 硬件事件源
type EventSource interface {
	// Events 返回有序事件通道
	Events() <-chan Event
	Close() error
}

// MotorSink 电机控制
type MotorSink interface {
	// SetMotor 开关指定引脚的电机，同步生效
	SetMotor(pin int, on bool) error
}

// SimBoard 模拟控制板（测试与无硬件调试）
//
// 同时充当事件源与电机控制，记录全部电机操作，
// 可注入电机故障以测试硬件故障路径。
type SimBoard struct {
	mu       sync.Mutex
	events   chan Event
	motors   map[int]bool
	motorLog []MotorCall
	motorErr error
	closed   bool
}

// MotorCall 一次电机操作记录
type MotorCall struct {
	Pin int
	On  bool
}

// NewSimBoard 创建模拟控制板
func NewSimBoard() *SimBoard {
	return &SimBoard{
		events: make(chan Event, 256),
		motors: make(map[int]bool),
	}
}

// Events 返回事件通道
func (b *SimBoard) Events() <-chan Event {
	return b.events
}

// Push 注入一个事件
func (b *SimBoard) Push(pin int, kind EventKind) {
	b.events <- Event{Pin: pin, Kind: kind, Timestamp: time.Now()}
}

// PushPulses 注入连续流量计脉冲
func (b *SimBoard) PushPulses(pin int, count int) {
	for i := 0; i < count; i++ {
		b.Push(pin, FlowPulse)
	}
}

// SetMotor 记录电机操作
func (b *SimBoard) SetMotor(pin int, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.motorErr != nil && on {
		return b.motorErr
	}
	b.motors[pin] = on
	b.motorLog = append(b.motorLog, MotorCall{Pin: pin, On: on})
	return nil
}

// FailMotors 注入电机故障（仅开启操作失败，停止始终生效）
func (b *SimBoard) FailMotors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.motorErr = apperrors.New(apperrors.ErrMotorControl, "模拟电机故障")
}

// RepairMotors 清除电机故障
func (b *SimBoard) RepairMotors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.motorErr = nil
}

// MotorOn 查询电机状态
func (b *SimBoard) MotorOn(pin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motors[pin]
}

// MotorCalls 返回电机操作记录
func (b *SimBoard) MotorCalls() []MotorCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	calls := make([]MotorCall, len(b.motorLog))
	copy(calls, b.motorLog)
	return calls
}

// Close 关闭事件通道
func (b *SimBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}
