package session

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/soap-vend/internal/catalog"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
)

// LedgerTestSuite 账目测试套件
type LedgerTestSuite struct {
	suite.Suite
	catalog *catalog.Catalog
	ledger  *Ledger
}

func (suite *LedgerTestSuite) SetupTest() {
	cat, err := catalog.Parse([]byte(`{
		"products": [
			{"id": "soap_hand", "name": "Hand Soap", "unit": "oz",
			 "price_per_unit_cents": 15, "pulses_per_unit": 5.4,
			 "motor_pin": 17, "flowmeter_pin": 27, "button_pin": 22},
			{"id": "soap_dish", "name": "Dish Soap", "unit": "oz",
			 "price_per_unit_cents": 12, "pulses_per_unit": 6.0,
			 "motor_pin": 23, "flowmeter_pin": 24, "button_pin": 25},
			{"id": "soap_laundry", "name": "Laundry Soap", "unit": "oz",
			 "price_per_unit_cents": 33, "pulses_per_unit": 4.0,
			 "motor_pin": 5, "flowmeter_pin": 6, "button_pin": 13}
		]
	}`))
	suite.Require().NoError(err)
	suite.catalog = cat
	suite.ledger = NewLedger(cat)
}

// 测试单商品出货记账
func (suite *LedgerTestSuite) TestRecordDispense() {
	// 5.0oz × 15分 = 75分
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 5.0))

	entries := suite.ledger.Entries()
	suite.Require().Len(entries, 1)
	suite.Equal("soap_hand", entries[0].ProductID)
	suite.Equal(5.0, entries[0].Quantity)
	suite.Equal(int64(75), entries[0].PriceCents)
	suite.Equal(int64(75), suite.ledger.TotalCents())
	suite.Equal(1, suite.ledger.ItemCount())
}

// 测试同一商品重复选择时在原条目上累加
func (suite *LedgerTestSuite) TestAccumulationAcrossSelections() {
	// 先出5.0，切到别的商品，再回来出2.0
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 5.0))
	suite.Require().NoError(suite.ledger.RecordDispense("soap_dish", 1.0))
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 2.0))

	entries := suite.ledger.Entries()
	suite.Require().Len(entries, 2)
	// 累计为7.0而非重置为2.0，条目保持首次出货顺序
	suite.Equal("soap_hand", entries[0].ProductID)
	suite.Equal(7.0, entries[0].Quantity)
	suite.Equal(int64(105), entries[0].PriceCents)
	suite.Equal("soap_dish", entries[1].ProductID)
	suite.Equal(2, suite.ledger.ItemCount())
}

// 测试舍入只依赖最终累计数量，与分批方式无关
func (suite *LedgerTestSuite) TestRoundingDeterminism() {
	// 一次出2.5与五次0.5最终金额必须一致
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 2.5))
	oneShot := suite.ledger.TotalCents()

	suite.ledger.Reset()
	for i := 0; i < 5; i++ {
		suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 0.5))
	}
	suite.Equal(oneShot, suite.ledger.TotalCents())

	// 大量微小增量也不产生漂移
	suite.ledger.Reset()
	for i := 0; i < 1000; i++ {
		suite.Require().NoError(suite.ledger.RecordDispense("soap_laundry", 0.007))
	}
	incremental := suite.ledger.TotalCents()

	suite.ledger.Reset()
	suite.Require().NoError(suite.ledger.RecordDispense("soap_laundry", 7.0))
	direct := suite.ledger.TotalCents()

	// 0.007×1000在浮点下与7.0几乎相等，价格始终从累计数量计算，
	// 差异至多来自浮点累加本身，绝无逐次舍入漂移
	suite.InDelta(float64(direct), float64(incremental), 1)
}

// 测试half-up舍入
func (suite *LedgerTestSuite) TestRoundHalfUp() {
	// 0.5oz × 33分 = 16.5分 → 17分
	suite.Require().NoError(suite.ledger.RecordDispense("soap_laundry", 0.5))
	suite.Equal(int64(17), suite.ledger.TotalCents())
}

// 测试预演总额不修改账目
func (suite *LedgerTestSuite) TestPeekTotal() {
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 5.0))

	total, err := suite.ledger.PeekTotal("soap_dish", 10.0)
	suite.Require().NoError(err)
	suite.Equal(int64(75+120), total)

	// 预演同一商品时按累计数量计算
	total, err = suite.ledger.PeekTotal("soap_hand", 1.0)
	suite.Require().NoError(err)
	suite.Equal(int64(90), total)

	// 账目未被修改
	suite.Equal(int64(75), suite.ledger.TotalCents())
	suite.Equal(1, suite.ledger.ItemCount())

	_, err = suite.ledger.PeekTotal("missing", 1.0)
	suite.Require().Error(err)
}

// 测试未知商品与负数量被拒绝
func (suite *LedgerTestSuite) TestRecordDispenseRejects() {
	err := suite.ledger.RecordDispense("missing", 1.0)
	suite.Require().Error(err)
	suite.Equal(apperrors.ErrProductUnknown, apperrors.GetCode(err))

	err = suite.ledger.RecordDispense("soap_hand", -0.1)
	suite.Require().Error(err)
	suite.Equal(apperrors.ErrInvalidParam, apperrors.GetCode(err))

	suite.True(suite.ledger.IsEmpty())
}

// 测试小票渲染
func (suite *LedgerTestSuite) TestRenderReceipt() {
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 5.0))
	suite.Require().NoError(suite.ledger.RecordDispense("soap_dish", 2.0))

	receipt := suite.ledger.RenderReceipt()
	suite.Require().Len(receipt.Lines, 2)
	suite.Equal("Hand Soap", receipt.Lines[0].Name)
	suite.Equal("oz", receipt.Lines[0].Unit)
	suite.Equal(int64(75), receipt.Lines[0].PriceCents)
	suite.Equal("Dish Soap", receipt.Lines[1].Name)
	suite.Equal(int64(24), receipt.Lines[1].PriceCents)
	suite.Equal(int64(99), receipt.TotalCents)
}

// 测试结算描述不超过30字节
func (suite *LedgerTestSuite) TestRenderSettlementDescription() {
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 5.0))
	desc := suite.ledger.RenderSettlementDescription()
	suite.Equal("Hand Soap 5.0", desc)
	suite.LessOrEqual(len(desc), 30)

	// 多商品放不下时退化为汇总，不在词中途截断
	suite.Require().NoError(suite.ledger.RecordDispense("soap_dish", 2.0))
	suite.Require().NoError(suite.ledger.RecordDispense("soap_laundry", 1.5))
	desc = suite.ledger.RenderSettlementDescription()
	suite.LessOrEqual(len(desc), 30)
	suite.Contains(desc, "3 items")
}

// 测试清空
func (suite *LedgerTestSuite) TestReset() {
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 5.0))
	suite.ledger.Reset()

	suite.True(suite.ledger.IsEmpty())
	suite.Equal(int64(0), suite.ledger.TotalCents())
	suite.Empty(suite.ledger.Entries())
	suite.False(suite.ledger.HasEntry("soap_hand"))

	// 清空后可以继续记账
	suite.Require().NoError(suite.ledger.RecordDispense("soap_hand", 1.0))
	suite.Equal(int64(15), suite.ledger.TotalCents())
}

func TestLedgerTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}
