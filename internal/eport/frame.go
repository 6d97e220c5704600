package eport

import (
	"bytes"
	"fmt"

	"github.com/sigurn/crc16"
)

// 协议控制字节（Serial ePort Protocol）
const (
	RS  byte = 0x1E // 字段分隔符
	GS  byte = 0x1D // 组分隔符（仅结算帧）
	CR  byte = 0x0D // 帧结束符
	ACK byte = 0x06 // 确认
	NAK byte = 0x15 // 否认
)

// 命令码（ASCII数字字符串）
const (
	CmdStatus        = "1"  // 状态查询
	CmdReset         = "3"  // 复位
	CmdTransactionID = "13" // 交易号查询
	CmdAuthRequest   = "21" // 预授权请求
	CmdSettlement    = "22" // 结算
)

// MaxFieldBytes 单个字段的最大字节数（协议规定描述字段上限30字节）
const MaxFieldBytes = 30

// FrameErrorKind 帧错误类型
type FrameErrorKind int

const (
	// ChecksumMismatch 校验和不匹配
	ChecksumMismatch FrameErrorKind = iota
	// Malformed 帧格式错误
	Malformed
	// Oversized 字段超长
	Oversized
)

// FrameError 编解码层的类型化错误
//
// 帧错误属于接线或程序缺陷，调用方不应盲目重试。
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

// Error 实现error接口
func (e *FrameError) Error() string {
	switch e.Kind {
	case ChecksumMismatch:
		return fmt.Sprintf("帧校验和不匹配: %s", e.Detail)
	case Malformed:
		return fmt.Sprintf("帧格式错误: %s", e.Detail)
	case Oversized:
		return fmt.Sprintf("字段超长: %s", e.Detail)
	default:
		return fmt.Sprintf("帧错误: %s", e.Detail)
	}
}

// IsFrameError 判断错误是否为指定类型的帧错误
func IsFrameError(err error, kind FrameErrorKind) bool {
	fe, ok := err.(*FrameError)
	return ok && fe.Kind == kind
}

// crcTable CRC16查表（poly 0x1021, init 0xFFFF, 高位在前, 无最终异或）
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Checksum 计算协议校验和
//
// 校验和覆盖载荷的全部字节（含控制字符），参见协议附录B。
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// FrameOptions 帧编解码选项
//
// 不同命令类别的帧结构不同：状态/复位/交易号查询帧不带校验和；
// 授权帧带校验和；结算帧在字段后附加GS，校验和覆盖GS在内的载荷。
type FrameOptions struct {
	Checksum       bool // 载荷后附加两字节校验和（高位在前）
	GroupSeparator bool // 载荷末尾附加GS（结算帧）
}

// ParsedFrame 解码后的帧
type ParsedFrame struct {
	Command string   // 命令码
	Fields  [][]byte // 字段（按RS分隔的顺序）
}

// EncodeFrame 编码一个协议帧
//
// 纯函数，无I/O。命令码与各字段以RS连接，按选项附加GS、校验和，
// 以CR结尾。超长字段在编码前拒绝，绝不在帧内截断。
func EncodeFrame(cmd string, fields [][]byte, opts FrameOptions) ([]byte, error) {
	if cmd == "" {
		return nil, &FrameError{Kind: Malformed, Detail: "命令码为空"}
	}

	var payload bytes.Buffer
	payload.WriteString(cmd)

	for i, field := range fields {
		if len(field) > MaxFieldBytes {
			return nil, &FrameError{
				Kind:   Oversized,
				Detail: fmt.Sprintf("字段%d长度%d超过%d字节", i, len(field), MaxFieldBytes),
			}
		}
		payload.WriteByte(RS)
		payload.Write(field)
	}

	if opts.GroupSeparator {
		payload.WriteByte(GS)
	}

	frame := payload.Bytes()
	if opts.Checksum {
		crc := Checksum(frame)
		frame = append(frame, byte(crc>>8), byte(crc&0xFF))
	}
	frame = append(frame, CR)

	return frame, nil
}

// DecodeFrame 解码一个协议帧
//
// 选项须与编码时一致：仅带单个状态码的响应不携带校验和。
// 对任意字节序列都不会panic，失败时返回类型化的FrameError。
func DecodeFrame(raw []byte, opts FrameOptions) (*ParsedFrame, error) {
	if len(raw) == 0 {
		return nil, &FrameError{Kind: Malformed, Detail: "空帧"}
	}

	// 去除结束符（响应经readline可能已剥离CR）
	frame := raw
	if frame[len(frame)-1] == CR {
		frame = frame[:len(frame)-1]
	}

	if opts.Checksum {
		if len(frame) < 3 {
			return nil, &FrameError{Kind: Malformed, Detail: "帧过短，无法携带校验和"}
		}
		payload := frame[:len(frame)-2]
		got := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
		want := Checksum(payload)
		if got != want {
			return nil, &FrameError{
				Kind:   ChecksumMismatch,
				Detail: fmt.Sprintf("期望 %04X 实际 %04X", want, got),
			}
		}
		frame = payload
	}

	if opts.GroupSeparator {
		if len(frame) == 0 || frame[len(frame)-1] != GS {
			return nil, &FrameError{Kind: Malformed, Detail: "缺少组分隔符"}
		}
		frame = frame[:len(frame)-1]
	}

	parts := bytes.Split(frame, []byte{RS})
	if len(parts[0]) == 0 {
		return nil, &FrameError{Kind: Malformed, Detail: "命令码为空"}
	}

	parsed := &ParsedFrame{Command: string(parts[0])}
	if len(parts) > 1 {
		parsed.Fields = parts[1:]
	}

	return parsed, nil
}

// TruncateDescription 将描述截断到协议允许的字节数
//
// 截断在编码前完成，绝不破坏帧结构。
func TruncateDescription(desc string) string {
	if len(desc) <= MaxFieldBytes {
		return desc
	}
	return desc[:MaxFieldBytes]
}
