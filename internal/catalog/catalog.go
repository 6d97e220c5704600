package catalog

import (
	"encoding/json"
	"os"
	"strings"

	apperrors "github.com/wfunc/soap-vend/internal/errors"
)

// Product 商品描述符
//
// 加载后不可变。三个硬件引脚在整个目录内唯一，
// 任何两个商品不得共用电机、流量计或按钮。
type Product struct {
	ID                string  `json:"id"`                   // 唯一标识（如 "soap_hand"）
	Name              string  `json:"name"`                 // 显示名称
	Unit              string  `json:"unit"`                 // 计量单位（如 "oz", "ml"）
	PricePerUnitCents int64   `json:"price_per_unit_cents"` // 单价（分/单位）
	PulsesPerUnit     float64 `json:"pulses_per_unit"`      // 流量计标定系数（脉冲/单位）
	MotorPin          int     `json:"motor_pin"`            // 电机控制引脚
	FlowmeterPin      int     `json:"flowmeter_pin"`        // 流量计输入引脚
	ButtonPin         int     `json:"button_pin"`           // 选择按钮引脚
	Description       string  `json:"description"`          // 商品描述
	Status            string  `json:"status"`               // 可用状态（"AVAILABLE"/"OOO"）
	Message           string  `json:"message"`              // 面向顾客的状态消息
}

// IsOutOfOrder 判断商品是否停用
//
// 状态为OOO或带有非空状态消息的商品均不可售。
func (p *Product) IsOutOfOrder() bool {
	return strings.ToUpper(strings.TrimSpace(p.Status)) == "OOO" ||
		strings.TrimSpace(p.Message) != ""
}

// validate 校验单个商品字段
func (p *Product) validate() error {
	if p.ID == "" {
		return apperrors.New(apperrors.ErrConfigValidate, "商品ID不能为空")
	}
	if p.Name == "" {
		return apperrors.Newf(apperrors.ErrConfigValidate, "商品 %s: 名称不能为空", p.ID)
	}
	if p.Unit == "" {
		return apperrors.Newf(apperrors.ErrConfigValidate, "商品 %s: 计量单位不能为空", p.ID)
	}
	if p.PricePerUnitCents <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "商品 %s: 单价必须为正数", p.ID)
	}
	if p.PulsesPerUnit <= 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "商品 %s: 标定系数必须为正数", p.ID)
	}
	if p.MotorPin < 0 || p.FlowmeterPin < 0 || p.ButtonPin < 0 {
		return apperrors.Newf(apperrors.ErrConfigValidate, "商品 %s: 引脚号不能为负数", p.ID)
	}
	return nil
}

// Catalog 商品目录
//
// 启动时从JSON文件加载一次，加载后不可变。
// 任何唯一性校验失败都会拒绝整个目录（快速失败，不启动编排器）。
type Catalog struct {
	products []*Product
	byID     map[string]*Product
	byButton map[int]*Product
}

// catalogFile products.json 的顶层结构
type catalogFile struct {
	Products []*Product `json:"products"`
}

// Load 从JSON文件加载商品目录
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrConfigLoad, "商品目录文件: %s", path)
	}
	return Parse(data)
}

// Parse 从JSON字节解析商品目录
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigParse, "商品目录JSON解析失败")
	}

	if len(file.Products) == 0 {
		return nil, apperrors.New(apperrors.ErrConfigValidate, "商品目录至少包含一个商品")
	}

	c := &Catalog{
		byID:     make(map[string]*Product, len(file.Products)),
		byButton: make(map[int]*Product, len(file.Products)),
	}

	usedMotor := make(map[int]string)
	usedFlowmeter := make(map[int]string)
	usedButton := make(map[int]string)

	for _, p := range file.Products {
		if err := p.validate(); err != nil {
			return nil, err
		}

		if _, ok := c.byID[p.ID]; ok {
			return nil, apperrors.Newf(apperrors.ErrConfigValidate, "重复的商品ID: %s", p.ID)
		}
		if other, ok := usedMotor[p.MotorPin]; ok {
			return nil, apperrors.Newf(apperrors.ErrConfigValidate,
				"商品 %s: 电机引脚 %d 已被商品 %s 占用", p.ID, p.MotorPin, other)
		}
		if other, ok := usedFlowmeter[p.FlowmeterPin]; ok {
			return nil, apperrors.Newf(apperrors.ErrConfigValidate,
				"商品 %s: 流量计引脚 %d 已被商品 %s 占用", p.ID, p.FlowmeterPin, other)
		}
		if other, ok := usedButton[p.ButtonPin]; ok {
			return nil, apperrors.Newf(apperrors.ErrConfigValidate,
				"商品 %s: 按钮引脚 %d 已被商品 %s 占用", p.ID, p.ButtonPin, other)
		}

		c.products = append(c.products, p)
		c.byID[p.ID] = p
		c.byButton[p.ButtonPin] = p
		usedMotor[p.MotorPin] = p.ID
		usedFlowmeter[p.FlowmeterPin] = p.ID
		usedButton[p.ButtonPin] = p.ID
	}

	return c, nil
}

// ByID 按商品ID查找
func (c *Catalog) ByID(id string) (*Product, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// ByButtonPin 按选择按钮引脚查找
func (c *Catalog) ByButtonPin(pin int) (*Product, bool) {
	p, ok := c.byButton[pin]
	return p, ok
}

// All 返回全部商品（加载顺序）
func (c *Catalog) All() []*Product {
	return c.products
}

// Count 返回商品数量
func (c *Catalog) Count() int {
	return len(c.products)
}
