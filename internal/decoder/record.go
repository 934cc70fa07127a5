package decoder

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dcclite-server/dcclite-broker/internal/validation"
)

// ErrInvalidRecord wraps every malformed field error
var ErrInvalidRecord = errors.New("invalid decoder record")

// Record 从 JSON 解析得到的解码器配置记录
type Record map[string]interface{}

// Header 每条记录共有的字段
type Header struct {
	Class   string `validate:"required"`
	Name    string `validate:"required"`
	Address Address
}

var headerValidator = validation.NewValidator()

// ParseHeader 读取 class / name / address
func ParseHeader(r Record) (Header, error) {
	var h Header
	var err error

	if h.Class, err = r.String("class", ""); err != nil {
		return h, err
	}
	if h.Name, err = r.String("name", ""); err != nil {
		return h, err
	}
	if err := headerValidator.Validate(&h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	addr, err := r.RequiredInt("address")
	if err != nil {
		return h, err
	}
	if addr < 0 || addr > math.MaxUint16 {
		return h, fmt.Errorf("%w: address %d out of range", ErrInvalidRecord, addr)
	}
	h.Address = Address(addr)

	return h, nil
}

func (r Record) fieldErr(key string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: field %q: %s", ErrInvalidRecord, key, fmt.Sprintf(format, args...))
}

// Has reports whether key is present
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns a string field or def when missing
func (r Record) String(key, def string) (string, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", r.fieldErr(key, "expected string, got %T", v)
	}
	return s, nil
}

// Int returns an integer field or def when missing
func (r Record) Int(key string, def int) (int, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, r.fieldErr(key, "expected integer, got %v", n)
		}
		if n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, r.fieldErr(key, "integer %v out of range", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, r.fieldErr(key, "expected number, got %T", v)
	}
}

// RequiredInt returns an integer field that must be present
func (r Record) RequiredInt(key string) (int, error) {
	if !r.Has(key) {
		return 0, r.fieldErr(key, "missing")
	}
	return r.Int(key, 0)
}

// Float returns a number field or def when missing
func (r Record) Float(key string, def float64) (float64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, r.fieldErr(key, "expected number, got %T", v)
	}
}

// Bool returns a boolean field or def when missing
func (r Record) Bool(key string, def bool) (bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, r.fieldErr(key, "expected bool, got %T", v)
	}
	return b, nil
}

// Object returns a nested object field, nil when missing
func (r Record) Object(key string) (Record, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, r.fieldErr(key, "expected object, got %T", v)
	}
	return Record(m), nil
}

// Array returns an array field, nil when missing
func (r Record) Array(key string) ([]interface{}, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, nil
	}
	a, ok := v.([]interface{})
	if !ok {
		return nil, r.fieldErr(key, "expected array, got %T", v)
	}
	return a, nil
}

// Pin 读取引脚；非必填时缺省为 NullPin
func (r Record) Pin(key string, required bool) (Pin, error) {
	if !r.Has(key) {
		if required {
			return NullPin, r.fieldErr(key, "missing")
		}
		return NullPin, nil
	}
	n, err := r.Int(key, int(NullPin))
	if err != nil {
		return NullPin, err
	}
	if n < 0 || n >= int(NullPin) {
		return NullPin, r.fieldErr(key, "pin %d out of range", n)
	}
	return Pin(n), nil
}

// 超出 time.Duration 的延时会溢出为负值
const (
	maxDelayMs  = math.MaxInt64 / int64(time.Millisecond)
	maxDelaySec = float64(math.MaxInt64/int64(time.Second)) - 1
)

// Delay 读取延时，secKey 以秒为单位（可为小数），msKey 以毫秒为单位，二者只能出现一个
func (r Record) Delay(secKey, msKey string) (time.Duration, error) {
	hasSec, hasMs := r.Has(secKey), r.Has(msKey)
	if hasSec && hasMs {
		return 0, r.fieldErr(secKey, "conflicts with %q", msKey)
	}

	if hasMs {
		ms, err := r.Int(msKey, 0)
		if err != nil {
			return 0, err
		}
		if ms < 0 {
			return 0, r.fieldErr(msKey, "negative delay %d", ms)
		}
		if int64(ms) > maxDelayMs {
			return 0, r.fieldErr(msKey, "delay %d out of range", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	sec, err := r.Float(secKey, 0)
	if err != nil {
		return 0, err
	}
	if sec < 0 {
		return 0, r.fieldErr(secKey, "negative delay %v", sec)
	}
	if sec > maxDelaySec {
		return 0, r.fieldErr(secKey, "delay %v out of range", sec)
	}
	return time.Duration(sec * float64(time.Second)).Round(time.Millisecond), nil
}
