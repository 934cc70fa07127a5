package decoder

import (
	"math"
	"time"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

const (
	sensorFlagPullUp   = 0
	sensorFlagInverted = 1
)

// Sensor 输入引脚，带激活/释放去抖延时
type Sensor struct {
	Pin             Pin
	PullUp          bool
	Inverted        bool
	ActivateDelay   time.Duration
	DeactivateDelay time.Duration
}

func (*Sensor) isVariant() {}

func newSensor(r Record) (Variant, error) {
	var s Sensor
	var err error

	if s.Pin, err = r.Pin("pin", true); err != nil {
		return nil, err
	}
	if s.PullUp, err = r.Bool("pullup", false); err != nil {
		return nil, err
	}
	if s.Inverted, err = r.Bool("inverted", false); err != nil {
		return nil, err
	}
	if s.ActivateDelay, err = r.Delay("activateDelay", "activateDelayMs"); err != nil {
		return nil, err
	}
	if s.DeactivateDelay, err = r.Delay("deactivateDelay", "deactivateDelayMs"); err != nil {
		return nil, err
	}
	return &s, nil
}

// legacyDelay 旧固件以整秒计：截断小数，不足一秒的非零延时按 1 秒发送
func legacyDelay(d time.Duration) uint8 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if sec == 0 {
		return 1
	}
	if sec > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(sec)
}

func msDelay(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	ms := int64(d / time.Millisecond)
	if ms > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(ms)
}

func (s *Sensor) flags() uint8 {
	return flag(s.PullUp, sensorFlagPullUp) | flag(s.Inverted, sensorFlagInverted)
}

func (s *Sensor) writeConfig(p *dcclite.Packet, legacy bool) {
	p.Write8(uint8(s.Pin))
	p.Write8(s.flags())

	if legacy {
		p.Write8(legacyDelay(s.ActivateDelay))
		p.Write8(legacyDelay(s.DeactivateDelay))
		return
	}
	p.Write16(msDelay(s.ActivateDelay))
	p.Write16(msDelay(s.DeactivateDelay))
}

func (s *Sensor) readConfig(r *dcclite.Reader, legacy bool) error {
	pin, err := r.Read8()
	if err != nil {
		return err
	}
	f, err := r.Read8()
	if err != nil {
		return err
	}
	s.Pin = Pin(pin)
	s.PullUp = hasFlag(f, sensorFlagPullUp)
	s.Inverted = hasFlag(f, sensorFlagInverted)

	if legacy {
		on, err := r.Read8()
		if err != nil {
			return err
		}
		off, err := r.Read8()
		if err != nil {
			return err
		}
		s.ActivateDelay = time.Duration(on) * time.Second
		s.DeactivateDelay = time.Duration(off) * time.Second
		return nil
	}

	on, err := r.Read16()
	if err != nil {
		return err
	}
	off, err := r.Read16()
	if err != nil {
		return err
	}
	s.ActivateDelay = time.Duration(on) * time.Millisecond
	s.DeactivateDelay = time.Duration(off) * time.Millisecond
	return nil
}

func (s *Sensor) serialize(out map[string]interface{}) {
	out["pin"] = s.Pin
	out["pullup"] = s.PullUp
	out["inverted"] = s.Inverted
	out["activateDelayMs"] = s.ActivateDelay.Milliseconds()
	out["deactivateDelayMs"] = s.DeactivateDelay.Milliseconds()
}
