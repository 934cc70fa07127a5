package decoder

import (
	"math"
	"time"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

const (
	servoFlagInverted          = outputFlagInverted
	servoFlagIgnoreSavedState  = outputFlagIgnoreSavedState
	servoFlagActivateOnPowerUp = outputFlagActivateOnPowerUp
	servoFlagInvertedFrog      = 3
	servoFlagInvertedPower     = 4
)

const (
	DefaultServoRange         = 180
	DefaultServoOperationTime = time.Second
)

// ServoTurnout 舵机道岔：可选供电引脚与辙叉极性引脚
type ServoTurnout struct {
	Pin               Pin
	PowerPin          Pin
	FrogPin           Pin
	Inverted          bool
	IgnoreSavedState  bool
	ActivateOnPowerUp bool
	InvertedFrog      bool
	InvertedPower     bool
	Range             uint8
	TickDuration      time.Duration
}

func (*ServoTurnout) isVariant() {}

func newServoTurnout(r Record) (Variant, error) {
	var s ServoTurnout
	var err error

	if s.Pin, err = r.Pin("pin", true); err != nil {
		return nil, err
	}
	if s.PowerPin, err = r.Pin("powerPin", false); err != nil {
		return nil, err
	}
	if s.FrogPin, err = r.Pin("frogPin", false); err != nil {
		return nil, err
	}

	flags := []struct {
		key string
		dst *bool
	}{
		{"inverted", &s.Inverted},
		{"ignoreSavedState", &s.IgnoreSavedState},
		{"activateOnPowerUp", &s.ActivateOnPowerUp},
		{"invertedFrog", &s.InvertedFrog},
		{"invertedPower", &s.InvertedPower},
	}
	for _, f := range flags {
		if *f.dst, err = r.Bool(f.key, false); err != nil {
			return nil, err
		}
	}

	rng, err := r.Int("range", DefaultServoRange)
	if err != nil {
		return nil, err
	}
	if rng < 1 || rng > math.MaxUint8 {
		return nil, r.fieldErr("range", "%d out of range 1..255", rng)
	}
	s.Range = uint8(rng)

	opMs, err := r.Int("operationTime", int(DefaultServoOperationTime/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if opMs < 0 {
		return nil, r.fieldErr("operationTime", "negative value %d", opMs)
	}
	s.TickDuration = servoTick(time.Duration(opMs)*time.Millisecond, s.Range)

	return &s, nil
}

// servoTick 每步时长 = 动作总时长 / 行程，限制在 1..255ms
func servoTick(operation time.Duration, rng uint8) time.Duration {
	ms := int64(operation/time.Millisecond) / int64(rng)
	if ms < 1 {
		ms = 1
	}
	if ms > math.MaxUint8 {
		ms = math.MaxUint8
	}
	return time.Duration(ms) * time.Millisecond
}

// OperationTime returns the full travel time implied by range and tick
func (s *ServoTurnout) OperationTime() time.Duration {
	return time.Duration(s.Range) * s.TickDuration
}

func (s *ServoTurnout) flags() uint8 {
	return flag(s.Inverted, servoFlagInverted) |
		flag(s.IgnoreSavedState, servoFlagIgnoreSavedState) |
		flag(s.ActivateOnPowerUp, servoFlagActivateOnPowerUp) |
		flag(s.InvertedFrog, servoFlagInvertedFrog) |
		flag(s.InvertedPower, servoFlagInvertedPower)
}

func (s *ServoTurnout) writeConfig(p *dcclite.Packet) {
	p.Write8(uint8(s.Pin))
	p.Write8(s.flags())
	p.Write8(uint8(s.PowerPin))
	p.Write8(uint8(s.FrogPin))
	p.Write8(s.Range)
	p.Write8(uint8(s.TickDuration / time.Millisecond))
}

func (s *ServoTurnout) readConfig(r *dcclite.Reader) error {
	var fields [6]uint8
	for i := range fields {
		v, err := r.Read8()
		if err != nil {
			return err
		}
		fields[i] = v
	}

	s.Pin = Pin(fields[0])
	f := fields[1]
	s.Inverted = hasFlag(f, servoFlagInverted)
	s.IgnoreSavedState = hasFlag(f, servoFlagIgnoreSavedState)
	s.ActivateOnPowerUp = hasFlag(f, servoFlagActivateOnPowerUp)
	s.InvertedFrog = hasFlag(f, servoFlagInvertedFrog)
	s.InvertedPower = hasFlag(f, servoFlagInvertedPower)
	s.PowerPin = Pin(fields[2])
	s.FrogPin = Pin(fields[3])
	s.Range = fields[4]
	s.TickDuration = time.Duration(fields[5]) * time.Millisecond
	return nil
}

func (s *ServoTurnout) serialize(out map[string]interface{}) {
	out["pin"] = s.Pin
	out["powerPin"] = s.PowerPin
	out["frogPin"] = s.FrogPin
	out["inverted"] = s.Inverted
	out["ignoreSavedState"] = s.IgnoreSavedState
	out["activateOnPowerUp"] = s.ActivateOnPowerUp
	out["invertedFrog"] = s.InvertedFrog
	out["invertedPower"] = s.InvertedPower
	out["range"] = s.Range
	out["tickMs"] = s.TickDuration.Milliseconds()
	out["operationTimeMs"] = s.OperationTime().Milliseconds()
}
