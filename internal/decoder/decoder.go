package decoder

import (
	"fmt"
	"strconv"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// Address 解码器硬件地址
type Address uint16

// String returns the decimal form used in config files
func (a Address) String() string {
	return strconv.Itoa(int(a))
}

// Type 解码器类型标签，写入 CONFIG_DEV 负载的第一个字节
type Type uint8

const (
	TypeOutput       Type = 1
	TypeSensor       Type = 2
	TypeServoTurnout Type = 3
	TypeSignal       Type = 4
)

// String returns the class name of the type
func (t Type) String() string {
	switch t {
	case TypeOutput:
		return ClassOutput
	case TypeSensor:
		return ClassSensor
	case TypeServoTurnout:
		return ClassServoTurnout
	case TypeSignal:
		return ClassSignal
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Pin 设备引脚号，NullPin 表示未使用
type Pin uint8

// NullPin marks an unused optional pin
const NullPin Pin = 0xff

// Variant 解码器类型相关字段，只有本包内的类型实现
type Variant interface {
	isVariant()
}

// Decoder 设备上的一个可控/可读单元，名称和地址在生命周期内不变
type Decoder struct {
	name    string
	address Address
	variant Variant
}

// New creates a decoder from its parts
func New(name string, address Address, v Variant) *Decoder {
	if v == nil {
		panic("decoder: nil variant")
	}
	return &Decoder{name: name, address: address, variant: v}
}

// Name returns the decoder name
func (d *Decoder) Name() string {
	return d.name
}

// Address returns the hardware address
func (d *Decoder) Address() Address {
	return d.address
}

// Variant returns the type specific fields
func (d *Decoder) Variant() Variant {
	return d.variant
}

// Type 返回解码器类型
func (d *Decoder) Type() Type {
	switch d.variant.(type) {
	case *Output:
		return TypeOutput
	case *Sensor:
		return TypeSensor
	case *ServoTurnout:
		return TypeServoTurnout
	case *Signal:
		return TypeSignal
	default:
		panic(fmt.Sprintf("decoder %s: unhandled variant %T", d.name, d.variant))
	}
}

// DeviceHosted 是否由远端设备承载（信号机只存在于 broker）
func (d *Decoder) DeviceHosted() bool {
	_, isSignal := d.variant.(*Signal)
	return !isSignal
}

// WriteConfig 写入类型标签、地址以及类型负载。
// legacy 为真时传感器延时按整秒编码。
func (d *Decoder) WriteConfig(p *dcclite.Packet, legacy bool) {
	p.Write8(uint8(d.Type()))
	p.Write16(uint16(d.address))

	switch v := d.variant.(type) {
	case *Output:
		v.writeConfig(p)
	case *Sensor:
		v.writeConfig(p, legacy)
	case *ServoTurnout:
		v.writeConfig(p)
	case *Signal:
		panic(fmt.Sprintf("decoder %s: signals are not sent to devices", d.name))
	}
}

// Serialize 输出管理端使用的字段
func (d *Decoder) Serialize(out map[string]interface{}) {
	out["name"] = d.name
	out["address"] = d.address
	out["class"] = d.Type().String()
	out["deviceHosted"] = d.DeviceHosted()

	switch v := d.variant.(type) {
	case *Output:
		v.serialize(out)
	case *Sensor:
		v.serialize(out)
	case *ServoTurnout:
		v.serialize(out)
	case *Signal:
		v.serialize(out)
	}
}

func flag(b bool, bit uint8) uint8 {
	if b {
		return 1 << bit
	}
	return 0
}

func hasFlag(flags uint8, bit uint8) bool {
	return flags&(1<<bit) != 0
}
