package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/soap-vend/internal/eport"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
)

// 测试模拟刷卡器的状态流转
func TestMockPortLifecycle(t *testing.T) {
	port := NewMockPort()

	// 初始为禁用状态
	port.Write([]byte{'1', eport.CR})
	resp, err := port.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, []byte("6"), resp)

	// 复位后仍为禁用
	port.Write([]byte{'3', eport.CR})
	port.Write([]byte{'1', eport.CR})
	resp, err = port.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, []byte("6"), resp)

	// 授权后模拟即时批准
	auth := []byte{'2', '1', eport.RS, '2', '0', '0', '0', 0xAA, 0xBB, eport.CR}
	port.Write(auth)
	port.Write([]byte{'1', eport.CR})
	resp, err = port.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, []byte("9"), resp)

	// 交易号查询命令后，下一次状态查询返回交易号
	port.Write([]byte{'1', '3', eport.CR})
	port.Write([]byte{'1', eport.CR})
	resp, err = port.ReadLine()
	require.NoError(t, err)
	result, err := eport.ParseStatus(resp)
	require.NoError(t, err)
	assert.Equal(t, eport.StatusTransactionID, result.Status)
	assert.Equal(t, "MOCK0001", result.TransactionID)

	// 无预置响应时超时
	_, err = port.ReadLine()
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSerialTimeout, apperrors.GetCode(err))
}

// 测试模拟刷卡器与协议客户端协同
func TestMockPortWithClient(t *testing.T) {
	port := NewMockPort()
	port.SetStatus("0")

	port.Write([]byte{'1', eport.CR})
	resp, err := port.ReadLine()
	require.NoError(t, err)
	result, err := eport.ParseStatus(resp)
	require.NoError(t, err)
	assert.Equal(t, eport.StatusIdle, result.Status)
}

// 测试模拟控制板的事件投递顺序
func TestSimBoardEventOrder(t *testing.T) {
	board := NewSimBoard()
	defer board.Close()

	board.Push(22, ButtonDown)
	board.PushPulses(27, 3)
	board.Push(22, ButtonUp)
	board.Push(4, DoneButton)

	expected := []EventKind{ButtonDown, FlowPulse, FlowPulse, FlowPulse, ButtonUp, DoneButton}
	for i, kind := range expected {
		event := <-board.Events()
		assert.Equal(t, kind, event.Kind, "事件 %d", i)
		assert.False(t, event.Timestamp.IsZero())
	}
}

// 测试模拟控制板的电机控制与故障注入
func TestSimBoardMotor(t *testing.T) {
	board := NewSimBoard()
	defer board.Close()

	require.NoError(t, board.SetMotor(17, true))
	assert.True(t, board.MotorOn(17))

	require.NoError(t, board.SetMotor(17, false))
	assert.False(t, board.MotorOn(17))

	// 故障注入后开启失败，停止始终生效
	board.FailMotors()
	err := board.SetMotor(17, true)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrMotorControl, apperrors.GetCode(err))
	require.NoError(t, board.SetMotor(17, false))

	board.RepairMotors()
	require.NoError(t, board.SetMotor(17, true))

	calls := board.MotorCalls()
	assert.Equal(t, MotorCall{Pin: 17, On: true}, calls[0])
}

// 测试控制板事件类型解析
func TestParseEventKind(t *testing.T) {
	tests := []struct {
		raw    string
		kind   EventKind
		wantOK bool
	}{
		{"button_down", ButtonDown, true},
		{"button_up", ButtonUp, true},
		{"flow_pulse", FlowPulse, true},
		{"done_button", DoneButton, true},
		{"coin_insert", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		kind, ok := parseEventKind(tt.raw)
		assert.Equal(t, tt.wantOK, ok, tt.raw)
		if ok {
			assert.Equal(t, tt.kind, kind)
		}
	}
}
