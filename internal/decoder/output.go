package decoder

import (
	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

const (
	outputFlagInverted          = 0
	outputFlagIgnoreSavedState  = 1
	outputFlagActivateOnPowerUp = 2
)

// Output 单引脚输出
type Output struct {
	Pin               Pin
	Inverted          bool
	IgnoreSavedState  bool
	ActivateOnPowerUp bool
}

func (*Output) isVariant() {}

func newOutput(r Record) (Variant, error) {
	var o Output
	var err error

	if o.Pin, err = r.Pin("pin", true); err != nil {
		return nil, err
	}
	if o.Inverted, err = r.Bool("inverted", false); err != nil {
		return nil, err
	}
	if o.IgnoreSavedState, err = r.Bool("ignoreSavedState", false); err != nil {
		return nil, err
	}
	if o.ActivateOnPowerUp, err = r.Bool("activateOnPowerUp", false); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Output) flags() uint8 {
	return flag(o.Inverted, outputFlagInverted) |
		flag(o.IgnoreSavedState, outputFlagIgnoreSavedState) |
		flag(o.ActivateOnPowerUp, outputFlagActivateOnPowerUp)
}

func (o *Output) setFlags(f uint8) {
	o.Inverted = hasFlag(f, outputFlagInverted)
	o.IgnoreSavedState = hasFlag(f, outputFlagIgnoreSavedState)
	o.ActivateOnPowerUp = hasFlag(f, outputFlagActivateOnPowerUp)
}

func (o *Output) writeConfig(p *dcclite.Packet) {
	p.Write8(uint8(o.Pin))
	p.Write8(o.flags())
}

func (o *Output) readConfig(r *dcclite.Reader) error {
	pin, err := r.Read8()
	if err != nil {
		return err
	}
	f, err := r.Read8()
	if err != nil {
		return err
	}
	o.Pin = Pin(pin)
	o.setFlags(f)
	return nil
}

func (o *Output) serialize(out map[string]interface{}) {
	out["pin"] = o.Pin
	out["inverted"] = o.Inverted
	out["ignoreSavedState"] = o.IgnoreSavedState
	out["activateOnPowerUp"] = o.ActivateOnPowerUp
}
