package catalog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/soap-vend/internal/errors"
)

func validCatalogJSON() []byte {
	return []byte(`{
		"products": [
			{
				"id": "soap_hand",
				"name": "Hand Soap",
				"unit": "oz",
				"price_per_unit_cents": 15,
				"pulses_per_unit": 5.4,
				"motor_pin": 17,
				"flowmeter_pin": 27,
				"button_pin": 22,
				"description": "Gentle hand soap"
			},
			{
				"id": "soap_dish",
				"name": "Dish Soap",
				"unit": "oz",
				"price_per_unit_cents": 12,
				"pulses_per_unit": 6.0,
				"motor_pin": 23,
				"flowmeter_pin": 24,
				"button_pin": 25,
				"status": "OOO",
				"message": "Temporarily unavailable"
			}
		]
	}`)
}

// 测试正常加载与查找
func TestParseAndLookup(t *testing.T) {
	c, err := Parse(validCatalogJSON())
	require.NoError(t, err)
	require.Equal(t, 2, c.Count())

	// 按ID查找
	p, ok := c.ByID("soap_hand")
	require.True(t, ok)
	assert.Equal(t, "Hand Soap", p.Name)
	assert.Equal(t, int64(15), p.PricePerUnitCents)
	assert.Equal(t, 5.4, p.PulsesPerUnit)

	_, ok = c.ByID("missing")
	assert.False(t, ok)

	// 按按钮引脚查找
	p, ok = c.ByButtonPin(25)
	require.True(t, ok)
	assert.Equal(t, "soap_dish", p.ID)

	_, ok = c.ByButtonPin(99)
	assert.False(t, ok)

	// All保持加载顺序
	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "soap_hand", all[0].ID)
	assert.Equal(t, "soap_dish", all[1].ID)
}

// 测试停用判断
func TestIsOutOfOrder(t *testing.T) {
	c, err := Parse(validCatalogJSON())
	require.NoError(t, err)

	p, _ := c.ByID("soap_hand")
	assert.False(t, p.IsOutOfOrder())

	p, _ = c.ByID("soap_dish")
	assert.True(t, p.IsOutOfOrder(), "OOO状态的商品应停用")

	// 仅带状态消息也视为停用
	onlyMessage := &Product{Status: "AVAILABLE", Message: "refill needed"}
	assert.True(t, onlyMessage.IsOutOfOrder())

	// 状态大小写不敏感
	lower := &Product{Status: "ooo"}
	assert.True(t, lower.IsOutOfOrder())
}

// 测试唯一性校验拒绝整个目录
func TestParseRejectsDuplicates(t *testing.T) {
	base := `{
		"products": [
			{"id": "%s", "name": "A", "unit": "oz", "price_per_unit_cents": 10,
			 "pulses_per_unit": 5.0, "motor_pin": %d, "flowmeter_pin": %d, "button_pin": %d},
			{"id": "%s", "name": "B", "unit": "oz", "price_per_unit_cents": 10,
			 "pulses_per_unit": 5.0, "motor_pin": %d, "flowmeter_pin": %d, "button_pin": %d}
		]
	}`

	tests := []struct {
		name string
		json string
	}{
		{"重复商品ID", fmt.Sprintf(base, "a", 1, 2, 3, "a", 4, 5, 6)},
		{"重复电机引脚", fmt.Sprintf(base, "a", 1, 2, 3, "b", 1, 5, 6)},
		{"重复流量计引脚", fmt.Sprintf(base, "a", 1, 2, 3, "b", 4, 2, 6)},
		{"重复按钮引脚", fmt.Sprintf(base, "a", 1, 2, 3, "b", 4, 5, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrConfigValidate, apperrors.GetCode(err))
		})
	}
}

// 测试字段校验
func TestParseRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"空目录", `{"products": []}`},
		{"缺少products键", `{}`},
		{"非法JSON", `{products`},
		{"空商品ID", `{"products": [{"id": "", "name": "A", "unit": "oz",
			"price_per_unit_cents": 10, "pulses_per_unit": 5.0,
			"motor_pin": 1, "flowmeter_pin": 2, "button_pin": 3}]}`},
		{"零单价", `{"products": [{"id": "a", "name": "A", "unit": "oz",
			"price_per_unit_cents": 0, "pulses_per_unit": 5.0,
			"motor_pin": 1, "flowmeter_pin": 2, "button_pin": 3}]}`},
		{"负标定系数", `{"products": [{"id": "a", "name": "A", "unit": "oz",
			"price_per_unit_cents": 10, "pulses_per_unit": -1,
			"motor_pin": 1, "flowmeter_pin": 2, "button_pin": 3}]}`},
		{"负引脚", `{"products": [{"id": "a", "name": "A", "unit": "oz",
			"price_per_unit_cents": 10, "pulses_per_unit": 5.0,
			"motor_pin": -1, "flowmeter_pin": 2, "button_pin": 3}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
		})
	}
}

// 测试文件不存在
func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/products.json")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrConfigLoad, apperrors.GetCode(err))
}
