package hardware

import (
	"bufio"
	"encoding/json"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/soap-vend/internal/config"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
	"github.com/wfunc/soap-vend/internal/logger"
	"go.uber.org/zap"
)

// boardEvent 控制板上报的JSON行
type boardEvent struct {
	Type string `json:"type"`
	Pin  int    `json:"pin"`
}

// motorCommand 下发给控制板的电机命令
type motorCommand struct {
	Type string `json:"type"`
	Pin  int    `json:"pin"`
	On   bool   `json:"on"`
}

// ControlBoard 机台控制板
//
// 按钮与流量计由独立的控制板采集，经另一路串口以JSON行上报；
// 电机命令以JSON行下发。控制板只负责电平采集与去抖，
// 事件的全部解释在编排器完成。
type ControlBoard struct {
	port   *serial.Port
	events chan Event
	log    *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// OpenControlBoard 打开控制板串口并启动事件读取
func OpenControlBoard(cfg *config.HardwareConfig) (*ControlBoard, error) {
	log := logger.GetModuleLogger("hardware")

	// 不设读超时：事件流允许长时间静默，读取阻塞到有数据或Close
	port, err := serial.OpenPort(&serial.Config{
		Name: cfg.ControlPort,
		Baud: cfg.BaudRate,
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrSerialPortOpen,
			"控制板端口 %s", cfg.ControlPort)
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}

	b := &ControlBoard{
		port:   port,
		events: make(chan Event, buffer),
		log:    log,
		done:   make(chan struct{}),
	}

	go b.readLoop()

	log.Info("控制板已连接",
		zap.String("port", cfg.ControlPort),
		zap.Int("baud_rate", cfg.BaudRate))
	return b, nil
}

// readLoop 持续读取控制板上报并入队
//
// 仅做解析与入队，不做任何业务判断。队列满时丢弃并告警，
// 绝不阻塞读取。
func (b *ControlBoard) readLoop() {
	scanner := bufio.NewScanner(b.port)
	for scanner.Scan() {
		select {
		case <-b.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw boardEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			b.log.Warn("控制板上报解析失败",
				zap.ByteString("line", line),
				zap.Error(err))
			continue
		}

		kind, ok := parseEventKind(raw.Type)
		if !ok {
			b.log.Warn("未知的控制板事件类型", zap.String("type", raw.Type))
			continue
		}

		event := Event{Pin: raw.Pin, Kind: kind, Timestamp: time.Now()}
		select {
		case b.events <- event:
		default:
			b.log.Error("事件队列已满，丢弃事件",
				zap.String("kind", kind.String()),
				zap.Int("pin", raw.Pin))
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-b.done:
		default:
			b.log.Error("控制板读取中断", zap.Error(err))
		}
	}
	close(b.events)
}

// parseEventKind 解析事件类型
func parseEventKind(s string) (EventKind, bool) {
	switch s {
	case "button_down":
		return ButtonDown, true
	case "button_up":
		return ButtonUp, true
	case "flow_pulse":
		return FlowPulse, true
	case "done_button":
		return DoneButton, true
	default:
		return 0, false
	}
}

// Events 返回有序事件通道
func (b *ControlBoard) Events() <-chan Event {
	return b.events
}

// SetMotor 下发电机命令
func (b *ControlBoard) SetMotor(pin int, on bool) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	cmd, err := json.Marshal(motorCommand{Type: "motor", Pin: pin, On: on})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrMotorControl)
	}
	cmd = append(cmd, '\n')

	if _, err := b.port.Write(cmd); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrMotorControl,
			"电机引脚 %d", pin)
	}

	b.log.Debug("电机命令已下发",
		zap.Int("pin", pin),
		zap.Bool("on", on))
	return nil
}

// Close 停止读取并关闭串口
func (b *ControlBoard) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.port.Close()
	})
	return err
}
