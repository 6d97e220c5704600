package eport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/soap-vend/internal/config"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
	"go.uber.org/zap"
)

// scriptedPort 脚本化的模拟串口
//
// 记录全部写入的帧，按预置脚本逐条返回响应。
type scriptedPort struct {
	written   [][]byte
	responses [][]byte
	readErrs  []error
	closed    bool
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.written = append(p.written, cp)
	return len(b), nil
}

func (p *scriptedPort) ReadLine() ([]byte, error) {
	if len(p.readErrs) > 0 {
		err := p.readErrs[0]
		p.readErrs = p.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.responses) == 0 {
		return nil, apperrors.New(apperrors.ErrSerialTimeout)
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedPort) Close() error {
	p.closed = true
	return nil
}

// ClientTestSuite 协议客户端测试套件
type ClientTestSuite struct {
	suite.Suite
	port   *scriptedPort
	client *Client
}

func (suite *ClientTestSuite) SetupTest() {
	suite.port = &scriptedPort{}
	cfg := &config.EPortConfig{
		AuthAmountCents: 2000,
		CommandDelay:    0,
		ReadTimeout:     time.Millisecond,
	}
	suite.client = NewClient(suite.port, cfg, zap.NewNop())
	suite.client.sleep = func(time.Duration) {}
}

// 测试状态查询帧与状态码映射
func (suite *ClientTestSuite) TestPollStatus() {
	tests := []struct {
		resp   []byte
		expect Status
	}{
		{[]byte("0"), StatusIdle},
		{[]byte("6"), StatusDisabled},
		{[]byte("7"), StatusExpectingSwipe},
		{[]byte("8"), StatusAuthorizing},
		{[]byte("9"), StatusAuthorized},
		{[]byte("3"), StatusDeclined},
		{[]byte("30"), StatusDeclined},
	}

	for _, tt := range tests {
		suite.port.responses = [][]byte{tt.resp}
		result, err := suite.client.PollStatus()
		suite.Require().NoError(err)
		suite.Equal(tt.expect, result.Status, "响应 %q", tt.resp)
	}

	// 状态查询帧为 "1"+CR，不带校验和
	suite.Equal([]byte{'1', CR}, suite.port.written[0])
}

// 测试交易号响应解析
func (suite *ClientTestSuite) TestPollStatusTransactionID() {
	suite.port.responses = [][]byte{{'1', '7', RS, 'T', 'X', '4', '2'}}

	result, err := suite.client.PollStatus()
	suite.Require().NoError(err)
	suite.Equal(StatusTransactionID, result.Status)
	suite.Equal("TX42", result.TransactionID)
}

// 测试未知状态码按协议错误处理
func (suite *ClientTestSuite) TestPollStatusUnknownCode() {
	suite.port.responses = [][]byte{[]byte("z")}

	_, err := suite.client.PollStatus()
	suite.Require().Error(err)
	suite.Equal(apperrors.ErrPeripheralProto, apperrors.GetCode(err))
}

// 测试读超时向上传递
func (suite *ClientTestSuite) TestPollStatusTimeout() {
	_, err := suite.client.PollStatus()
	suite.Require().Error(err)
	suite.Equal(apperrors.ErrSerialTimeout, apperrors.GetCode(err))
	suite.True(apperrors.IsRetryable(err))
}

// 测试复位帧
func (suite *ClientTestSuite) TestReset() {
	suite.Require().NoError(suite.client.Reset())
	suite.Equal([]byte{'3', CR}, suite.port.written[0])
}

// 测试授权请求帧的字节布局
func (suite *ClientTestSuite) TestRequestAuthorization() {
	suite.Require().NoError(suite.client.RequestAuthorization(350))

	// "21" RS "350" crcHi crcLo CR，校验和为参考向量0xE558
	expected := []byte{'2', '1', RS, '3', '5', '0', 0xE5, 0x58, CR}
	suite.Equal(expected, suite.port.written[0])
}

// 测试非法授权金额被拒绝
func (suite *ClientTestSuite) TestRequestAuthorizationInvalidAmount() {
	err := suite.client.RequestAuthorization(0)
	suite.Require().Error(err)
	suite.Equal(apperrors.ErrInvalidParam, apperrors.GetCode(err))
	suite.Empty(suite.port.written, "非法金额不应产生任何写入")
}

// 测试结算帧结构
func (suite *ClientTestSuite) TestSendSettlement() {
	items := []SettlementItem{{
		Quantity:    "1",
		PriceCents:  75,
		ItemID:      "0",
		Description: "soap 5.0L",
	}}
	suite.Require().NoError(suite.client.SendSettlement(items, 1))

	raw := suite.port.written[0]
	suite.Equal(CR, raw[len(raw)-1])

	parsed, err := DecodeFrame(raw, FrameOptions{Checksum: true, GroupSeparator: true})
	suite.Require().NoError(err)
	suite.Equal(CmdSettlement, parsed.Command)
	suite.Require().Len(parsed.Fields, 5)
	suite.Equal([]byte("1"), parsed.Fields[0])
	suite.Equal([]byte("1"), parsed.Fields[1])
	suite.Equal([]byte("75"), parsed.Fields[2])
	suite.Equal([]byte("0"), parsed.Fields[3])
	suite.Equal([]byte("soap 5.0L"), parsed.Fields[4])
}

// 测试超长描述在编码前被截断
func (suite *ClientTestSuite) TestSendSettlementTruncatesDescription() {
	items := []SettlementItem{{
		Quantity:    "1",
		PriceCents:  150,
		ItemID:      "0",
		Description: "a very very long item description that exceeds the limit",
	}}
	suite.Require().NoError(suite.client.SendSettlement(items, 1))

	parsed, err := DecodeFrame(suite.port.written[0], FrameOptions{Checksum: true, GroupSeparator: true})
	suite.Require().NoError(err)
	suite.Len(parsed.Fields[4], MaxFieldBytes)
}

// 测试空结算被拒绝
func (suite *ClientTestSuite) TestSendSettlementEmpty() {
	err := suite.client.SendSettlement(nil, 0)
	suite.Require().Error(err)
	suite.Empty(suite.port.written)
}

// 测试交易号查询流程
func (suite *ClientTestSuite) TestFetchTransactionID() {
	suite.port.responses = [][]byte{{'1', '7', RS, '9', '8', '7', '6'}}

	id, err := suite.client.FetchTransactionID()
	suite.Require().NoError(err)
	suite.Equal("9876", id)

	// 先发交易号查询命令"13"，再发状态查询"1"
	suite.Require().Len(suite.port.written, 2)
	suite.Equal([]byte{'1', '3', CR}, suite.port.written[0])
	suite.Equal([]byte{'1', CR}, suite.port.written[1])
}

// 测试交易号未就绪时返回协议错误
func (suite *ClientTestSuite) TestFetchTransactionIDNotReady() {
	suite.port.responses = [][]byte{[]byte("9")}

	_, err := suite.client.FetchTransactionID()
	suite.Require().Error(err)
	suite.Equal(apperrors.ErrPeripheralProto, apperrors.GetCode(err))
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

// 测试状态解析不依赖客户端
func TestParseStatus(t *testing.T) {
	result, err := ParseStatus([]byte{'1', '7', RS, 'A', 'B', CR})
	require.NoError(t, err)
	assert.Equal(t, StatusTransactionID, result.Status)
	assert.Equal(t, "AB", result.TransactionID)

	_, err = ParseStatus(nil)
	require.Error(t, err)

	// 交易号响应缺少字段
	_, err = ParseStatus([]byte("17"))
	require.Error(t, err)
}
