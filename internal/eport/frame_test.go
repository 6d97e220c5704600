package eport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试校验和与协议文档的参考向量一致
//
// 参考向量：$3.50授权请求的载荷 "21"+RS+"350" 的CRC16为 0xE558。
// 该向量锚定算法参数（poly 0x1021, init 0xFFFF, 高位在前, 无最终异或），
// 任何改动校验和实现的变更必须先通过此测试。
func TestChecksumReferenceVector(t *testing.T) {
	payload := []byte{'2', '1', RS, '3', '5', '0'}
	assert.Equal(t, uint16(0xE558), Checksum(payload))
}

// 测试空载荷与单字节载荷的校验和稳定性
func TestChecksumEdgeCases(t *testing.T) {
	// init值即为空载荷的校验和
	assert.Equal(t, uint16(0xFFFF), Checksum(nil))
	assert.Equal(t, Checksum([]byte{0x00}), Checksum([]byte{0x00}))
	assert.NotEqual(t, Checksum([]byte("1")), Checksum([]byte("2")))
}

// 测试编码-解码往返
func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		cmd    string
		fields [][]byte
		opts   FrameOptions
	}{
		{"状态查询", CmdStatus, nil, FrameOptions{}},
		{"复位", CmdReset, nil, FrameOptions{}},
		{"交易号查询", CmdTransactionID, nil, FrameOptions{}},
		{"授权请求", CmdAuthRequest, [][]byte{[]byte("2000")}, FrameOptions{Checksum: true}},
		{"单品结算", CmdSettlement,
			[][]byte{[]byte("1"), []byte("1"), []byte("75"), []byte("0"), []byte("soap 5.0L")},
			FrameOptions{Checksum: true, GroupSeparator: true}},
		{"多品结算", CmdSettlement,
			[][]byte{[]byte("2"), []byte("1"), []byte("150"), []byte("0"), []byte("2 items")},
			FrameOptions{Checksum: true, GroupSeparator: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeFrame(tt.cmd, tt.fields, tt.opts)
			require.NoError(t, err)
			require.Equal(t, CR, raw[len(raw)-1], "帧必须以CR结尾")

			parsed, err := DecodeFrame(raw, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, parsed.Command)
			assert.Equal(t, len(tt.fields), len(parsed.Fields))
			for i := range tt.fields {
				assert.Equal(t, tt.fields[i], parsed.Fields[i])
			}
		})
	}
}

// 测试授权帧的字节级布局
func TestEncodeAuthFrameLayout(t *testing.T) {
	raw, err := EncodeFrame(CmdAuthRequest, [][]byte{[]byte("350")}, FrameOptions{Checksum: true})
	require.NoError(t, err)

	// "21" RS "350" crcHi crcLo CR
	expected := []byte{'2', '1', RS, '3', '5', '0', 0xE5, 0x58, CR}
	assert.Equal(t, expected, raw)
}

// 测试结算帧校验和覆盖GS
func TestEncodeSettlementChecksumCoversGS(t *testing.T) {
	fields := [][]byte{[]byte("1"), []byte("1"), []byte("75"), []byte("0"), []byte("soap")}
	raw, err := EncodeFrame(CmdSettlement, fields, FrameOptions{Checksum: true, GroupSeparator: true})
	require.NoError(t, err)

	// 载荷以GS结尾，其后紧跟两字节校验和与CR
	payload := raw[:len(raw)-3]
	require.Equal(t, GS, payload[len(payload)-1])
	crc := Checksum(payload)
	assert.Equal(t, byte(crc>>8), raw[len(raw)-3])
	assert.Equal(t, byte(crc&0xFF), raw[len(raw)-2])
}

// 测试解码错误路径
func TestDecodeFrameErrors(t *testing.T) {
	// 空帧
	_, err := DecodeFrame(nil, FrameOptions{})
	require.Error(t, err)
	assert.True(t, IsFrameError(err, Malformed))

	// 校验和被篡改
	raw, err := EncodeFrame(CmdAuthRequest, [][]byte{[]byte("2000")}, FrameOptions{Checksum: true})
	require.NoError(t, err)
	raw[len(raw)-2] ^= 0xFF
	_, err = DecodeFrame(raw, FrameOptions{Checksum: true})
	require.Error(t, err)
	assert.True(t, IsFrameError(err, ChecksumMismatch))

	// 帧过短无法携带校验和
	_, err = DecodeFrame([]byte{'1', CR}, FrameOptions{Checksum: true})
	require.Error(t, err)
	assert.True(t, IsFrameError(err, Malformed))

	// 缺少组分隔符
	raw, err = EncodeFrame(CmdSettlement, [][]byte{[]byte("1")}, FrameOptions{Checksum: true})
	require.NoError(t, err)
	_, err = DecodeFrame(raw, FrameOptions{Checksum: true, GroupSeparator: true})
	require.Error(t, err)
	assert.True(t, IsFrameError(err, Malformed))

	// 任意字节序列不panic
	garbage := [][]byte{
		{0xFF, 0xFE, 0xFD},
		{RS, RS, RS},
		{GS},
		{CR},
		{0x00},
	}
	for _, g := range garbage {
		assert.NotPanics(t, func() {
			DecodeFrame(g, FrameOptions{})
			DecodeFrame(g, FrameOptions{Checksum: true})
			DecodeFrame(g, FrameOptions{Checksum: true, GroupSeparator: true})
		})
	}
}

// 测试超长字段在编码前被拒绝
func TestEncodeFrameOversizedField(t *testing.T) {
	long := make([]byte, MaxFieldBytes+1)
	for i := range long {
		long[i] = 'x'
	}

	_, err := EncodeFrame(CmdSettlement, [][]byte{[]byte("1"), long}, FrameOptions{Checksum: true, GroupSeparator: true})
	require.Error(t, err)
	assert.True(t, IsFrameError(err, Oversized))
}

// 测试描述截断
func TestTruncateDescription(t *testing.T) {
	assert.Equal(t, "short", TruncateDescription("short"))

	long := "this description is way longer than thirty bytes total"
	got := TruncateDescription(long)
	assert.Len(t, got, MaxFieldBytes)
	assert.Equal(t, long[:MaxFieldBytes], got)
}
