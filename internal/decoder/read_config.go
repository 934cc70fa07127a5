package decoder

import (
	"fmt"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// ReadConfig 解析 WriteConfig 写出的负载（设备端视角）。名称不在线路上传输，结果名称为空。
func ReadConfig(r *dcclite.Reader, legacy bool) (*Decoder, error) {
	tag, err := r.Read8()
	if err != nil {
		return nil, err
	}
	addr, err := r.Read16()
	if err != nil {
		return nil, err
	}

	var v Variant
	switch Type(tag) {
	case TypeOutput:
		o := &Output{}
		err = o.readConfig(r)
		v = o
	case TypeSensor:
		s := &Sensor{}
		err = s.readConfig(r, legacy)
		v = s
	case TypeServoTurnout:
		s := &ServoTurnout{}
		err = s.readConfig(r)
		v = s
	default:
		return nil, fmt.Errorf("decoder config: unsupported type tag %d", tag)
	}
	if err != nil {
		return nil, err
	}
	return New("", Address(addr), v), nil
}
