package eport

import (
	"fmt"
	"strconv"
	"time"

	"github.com/wfunc/soap-vend/internal/config"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
	"go.uber.org/zap"
)

// Port 半双工串口抽象
//
// 读超时由Port实现持有，超时返回ErrSerialTimeout。
// 串口由本客户端独占，禁止其他组件写入以防止帧交错。
type Port interface {
	Write(p []byte) (int, error)
	ReadLine() ([]byte, error)
	Close() error
}

// Status 刷卡器状态
type Status int

const (
	// StatusUnknown 未知状态
	StatusUnknown Status = iota
	// StatusIdle 空闲（状态码'0'）
	StatusIdle
	// StatusDisabled 已禁用，等待触发授权（状态码'6'）
	StatusDisabled
	// StatusDeclined 授权被拒（状态码'3'前缀）
	StatusDeclined
	// StatusExpectingSwipe 等待刷卡（状态码'7'）
	StatusExpectingSwipe
	// StatusAuthorizing 授权处理中（状态码'8'）
	StatusAuthorizing
	// StatusAuthorized 授权通过，等待交易结果（状态码'9'）
	StatusAuthorized
	// StatusTransactionID 交易号响应（"17"+RS+交易号）
	StatusTransactionID
)

// String 返回状态名称
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDisabled:
		return "disabled"
	case StatusDeclined:
		return "declined"
	case StatusExpectingSwipe:
		return "expecting_swipe"
	case StatusAuthorizing:
		return "authorizing"
	case StatusAuthorized:
		return "authorized"
	case StatusTransactionID:
		return "transaction_id"
	default:
		return "unknown"
	}
}

// PollResult 状态查询结果
type PollResult struct {
	Status        Status
	TransactionID string // 仅StatusTransactionID时有效
	Raw           []byte
}

// SettlementItem 结算帧中的单个商品行
type SettlementItem struct {
	Quantity    string // 数量标签（ASCII数字）
	PriceCents  int64  // 价格（分）
	ItemID      string // 商品编号（0-5位数字）
	Description string // 描述（编码前截断到30字节）
}

// Client ePort刷卡器协议客户端
//
// 只负责命令收发与响应解析，不做静默重试，
// 重试策略由编排器决定。
type Client struct {
	port Port
	cfg  *config.EPortConfig
	log  *zap.Logger

	// 测试时可注入，缩短命令间隔
	sleep func(time.Duration)
}

// NewClient 创建协议客户端
func NewClient(port Port, cfg *config.EPortConfig, log *zap.Logger) *Client {
	return &Client{
		port:  port,
		cfg:   cfg,
		log:   log,
		sleep: time.Sleep,
	}
}

// send 编码并写出一帧，等待命令间隔
func (c *Client) send(cmd string, fields [][]byte, opts FrameOptions) error {
	frame, err := EncodeFrame(cmd, fields, opts)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrFrameMalformed)
	}

	if _, err := c.port.Write(frame); err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortWrite, fmt.Sprintf("命令%s", cmd))
	}

	c.sleep(c.cfg.CommandDelay)
	return nil
}

// PollStatus 发送状态查询（命令1）并解析响应
//
// 超时或响应格式错误均视为"状态未知"，由调用方决定重试。
func (c *Client) PollStatus() (*PollResult, error) {
	if err := c.send(CmdStatus, nil, FrameOptions{}); err != nil {
		return nil, err
	}

	resp, err := c.port.ReadLine()
	if err != nil {
		c.log.Debug("状态查询无响应", zap.Error(err))
		return nil, err
	}

	result, err := ParseStatus(resp)
	if err != nil {
		c.log.Warn("状态响应解析失败",
			zap.ByteString("raw", resp),
			zap.Error(err))
		return nil, err
	}

	c.log.Debug("状态查询",
		zap.String("status", result.Status.String()),
		zap.ByteString("raw", resp))
	return result, nil
}

// Reset 发送复位命令（命令3）
//
// 每次发起授权前必须复位，确保刷卡器不残留上一笔
// 可能被中断的交易状态。无响应载荷。
func (c *Client) Reset() error {
	c.log.Info("复位刷卡器")
	return c.send(CmdReset, nil, FrameOptions{})
}

// RequestAuthorization 发送预授权请求（命令21）
//
// 金额以ASCII数字表示（分）。本命令不返回审批结果：
// 审批是异步的，须通过后续PollStatus观察Authorized或Declined，
// 绝不假设同步审批。
func (c *Client) RequestAuthorization(amountCents int64) error {
	if amountCents <= 0 {
		return apperrors.Newf(apperrors.ErrInvalidParam, "授权金额必须为正数: %d", amountCents)
	}

	c.log.Info("发起预授权",
		zap.Int64("amount_cents", amountCents))

	amount := []byte(strconv.FormatInt(amountCents, 10))
	return c.send(CmdAuthRequest, [][]byte{amount}, FrameOptions{Checksum: true})
}

// SendSettlement 发送结算帧（命令22）
//
// 描述字段在编码前截断到30字节，绝不在帧内截断。
// 帧发出即认为已被刷卡器受理；实际扣款结果不在协议可见范围内。
// 调用方须保证每个会话最多调用一次（重发有重复扣款风险）。
func (c *Client) SendSettlement(items []SettlementItem, lineItemCount int) error {
	if len(items) == 0 {
		return apperrors.New(apperrors.ErrInvalidParam, "结算帧至少包含一个商品行")
	}

	fields := [][]byte{[]byte(strconv.Itoa(lineItemCount))}
	for _, item := range items {
		fields = append(fields,
			[]byte(item.Quantity),
			[]byte(strconv.FormatInt(item.PriceCents, 10)),
			[]byte(item.ItemID),
			[]byte(TruncateDescription(item.Description)),
		)
	}

	c.log.Info("发送结算帧",
		zap.Int("line_items", lineItemCount),
		zap.Int64("price_cents", items[0].PriceCents))

	return c.send(CmdSettlement, fields, FrameOptions{Checksum: true, GroupSeparator: true})
}

// FetchTransactionID 查询交易号（命令13）
//
// 先发送交易号查询命令，再以状态查询读取"17"+RS+交易号响应。
// 结算后刷卡器可能需要短暂延迟交易号才可查询，
// 有限次数的重试退避由编排器负责。
func (c *Client) FetchTransactionID() (string, error) {
	if err := c.send(CmdTransactionID, nil, FrameOptions{}); err != nil {
		return "", err
	}

	result, err := c.PollStatus()
	if err != nil {
		return "", err
	}

	if result.Status != StatusTransactionID {
		return "", apperrors.Newf(apperrors.ErrPeripheralProto,
			"期望交易号响应，实际状态: %s", result.Status)
	}

	return result.TransactionID, nil
}

// Close 关闭底层串口
func (c *Client) Close() error {
	return c.port.Close()
}

// ParseStatus 解析状态查询响应
//
// 响应为不带校验和的裸状态码；"17"开头的响应携带
// RS分隔的交易号字段。未知状态码视为协议错误。
func ParseStatus(resp []byte) (*PollResult, error) {
	frame, err := DecodeFrame(resp, FrameOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFrameMalformed)
	}

	result := &PollResult{Raw: resp}

	switch {
	case frame.Command == "17":
		if len(frame.Fields) < 1 || len(frame.Fields[0]) == 0 {
			return nil, apperrors.New(apperrors.ErrPeripheralProto, "交易号响应缺少交易号字段")
		}
		result.Status = StatusTransactionID
		result.TransactionID = string(frame.Fields[0])
	case frame.Command == "0":
		result.Status = StatusIdle
	case frame.Command == "6":
		result.Status = StatusDisabled
	case frame.Command == "7":
		result.Status = StatusExpectingSwipe
	case frame.Command == "8":
		result.Status = StatusAuthorizing
	case frame.Command == "9":
		result.Status = StatusAuthorized
	case frame.Command[0] == '3':
		// 拒付响应带'3'前缀，后续字节为拒付原因码
		result.Status = StatusDeclined
	default:
		return nil, apperrors.Newf(apperrors.ErrPeripheralProto,
			"未知状态码: %q", frame.Command)
	}

	return result, nil
}
