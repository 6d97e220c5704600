package hardware

import (
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/soap-vend/internal/config"
	"github.com/wfunc/soap-vend/internal/eport"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
	"github.com/wfunc/soap-vend/internal/logger"
	"go.uber.org/zap"
)

// SerialPort 刷卡器串口（实现eport.Port）
//
// 读超时由本实现持有。串口由协议客户端独占。
type SerialPort struct {
	port        *serial.Port
	readTimeout time.Duration
	mu          sync.Mutex
	log         *zap.Logger
}

// OpenPort 打开刷卡器串口，带有限次数重试
//
// 设备上电顺序不定，启动时串口可能尚未就绪，
// 按配置的间隔重试若干次后放弃。
func OpenPort(cfg *config.SerialConfig) (*SerialPort, error) {
	log := logger.GetModuleLogger("serial")

	parity := serial.ParityNone
	switch cfg.Parity {
	case "O", "odd":
		parity = serial.ParityOdd
	case "E", "even":
		parity = serial.ParityEven
	}

	serialCfg := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		Size:        byte(cfg.DataBits),
		Parity:      parity,
		StopBits:    serial.StopBits(cfg.StopBits),
		ReadTimeout: cfg.ReadTimeout,
	}

	var port *serial.Port
	var err error
	retries := cfg.OpenRetries
	if retries < 1 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		port, err = serial.OpenPort(serialCfg)
		if err == nil {
			log.Info("串口连接成功",
				zap.String("port", cfg.Port),
				zap.Int("baud_rate", cfg.BaudRate),
				zap.Int("attempt", attempt))
			return &SerialPort{
				port:        port,
				readTimeout: cfg.ReadTimeout,
				log:         log,
			}, nil
		}

		log.Warn("打开串口失败",
			zap.String("port", cfg.Port),
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(err))

		if attempt < retries {
			time.Sleep(cfg.RetryInterval)
		}
	}

	return nil, apperrors.Wrapf(err, apperrors.ErrSerialPortOpen,
		"端口 %s 重试%d次后仍无法打开", cfg.Port, retries)
}

// Write 写出一帧
func (p *SerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.port.Write(b)
	if err != nil {
		return n, apperrors.Wrap(err, apperrors.ErrSerialPortWrite)
	}
	return n, nil
}

// ReadLine 读取一行响应（到CR为止）
//
// 在读超时内未收到任何字节返回ErrSerialTimeout；
// 收到部分字节但无CR时返回已收到的内容。
func (p *SerialPort) ReadLine() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var line []byte
	buf := make([]byte, 1)
	deadline := time.Now().Add(p.readTimeout)

	for {
		n, err := p.port.Read(buf)
		if n > 0 {
			if buf[0] == eport.CR {
				return line, nil
			}
			line = append(line, buf[0])
			continue
		}

		// tarm/serial超时返回零字节（部分平台附带io.EOF）
		if err != nil && err != io.EOF {
			return nil, apperrors.Wrap(err, apperrors.ErrSerialPortRead)
		}

		if time.Now().After(deadline) {
			if len(line) > 0 {
				return line, nil
			}
			return nil, apperrors.Newf(apperrors.ErrSerialTimeout,
				"%v内无响应", p.readTimeout)
		}
	}
}

// Close 关闭串口
func (p *SerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}

// MockPort 模拟刷卡器（无硬件调试）
//
// 按命令维护一台简化的ePort状态机：初始为禁用状态，
// 复位加授权后直接进入已授权状态，结算后可查询交易号。
type MockPort struct {
	mu         sync.Mutex
	status     []byte
	queue      [][]byte
	txID       string
	nextIsTxID bool
	closed     bool
}

// NewMockPort 创建模拟刷卡器
func NewMockPort() *MockPort {
	return &MockPort{
		status: []byte("6"),
		txID:   "MOCK0001",
	}
}

// Write 受理一条命令并预置响应
func (m *MockPort) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame := b
	if len(frame) > 0 && frame[len(frame)-1] == eport.CR {
		frame = frame[:len(frame)-1]
	}
	if len(frame) == 0 {
		return len(b), nil
	}

	switch {
	case string(frame) == eport.CmdStatus:
		if m.nextIsTxID {
			resp := append([]byte("17"), eport.RS)
			resp = append(resp, []byte(m.txID)...)
			m.queue = append(m.queue, resp)
			m.nextIsTxID = false
		} else {
			m.queue = append(m.queue, m.status)
		}
	case string(frame) == eport.CmdReset:
		m.status = []byte("6")
	case string(frame) == eport.CmdTransactionID:
		m.nextIsTxID = true
	case len(frame) >= 2 && string(frame[:2]) == eport.CmdAuthRequest:
		// 模拟即时批准
		m.status = []byte("9")
	case len(frame) >= 2 && string(frame[:2]) == eport.CmdSettlement:
		m.status = []byte("6")
	}

	return len(b), nil
}

// ReadLine 弹出一条预置响应
func (m *MockPort) ReadLine() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, apperrors.New(apperrors.ErrSerialTimeout, "模拟刷卡器无响应")
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp, nil
}

// SetStatus 设置后续状态查询的响应
func (m *MockPort) SetStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = []byte(status)
}

// Close 关闭
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
