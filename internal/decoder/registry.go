package decoder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Class names accepted in configuration records
const (
	ClassOutput       = "Output"
	ClassSensor       = "Sensor"
	ClassServoTurnout = "ServoTurnout"
	ClassSignal       = "Signal"
)

// ErrUnknownClass is returned by TryCreate when no factory matches the class
var ErrUnknownClass = errors.New("unknown decoder class")

// Factory builds the type specific part of a decoder from its record
type Factory func(r Record) (Variant, error)

// Registry 类名到工厂函数的映射
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in classes
func NewRegistry() *Registry {
	reg := &Registry{factories: make(map[string]Factory)}
	reg.Register(ClassOutput, newOutput)
	reg.Register(ClassSensor, newSensor)
	reg.Register(ClassServoTurnout, newServoTurnout)
	reg.Register(ClassSignal, newSignal)
	return reg
}

// Register 注册工厂，重复注册同一类名属于编程错误
func (reg *Registry) Register(class string, f Factory) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.factories[class]; exists {
		panic(fmt.Sprintf("decoder: class %q registered twice", class))
	}
	reg.factories[class] = f
}

// Classes returns the registered class names sorted
func (reg *Registry) Classes() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]string, 0, len(reg.factories))
	for c := range reg.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// TryCreate 按类名精确匹配创建解码器。
// 未知类名返回 ErrUnknownClass，由调用方转换为配置错误。
func (reg *Registry) TryCreate(class string, address Address, name string, r Record) (*Decoder, error) {
	reg.mu.RLock()
	f, ok := reg.factories[class]
	reg.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	v, err := f(r)
	if err != nil {
		return nil, fmt.Errorf("decoder %s (%s): %w", name, class, err)
	}
	return New(name, address, v), nil
}

// CreateFromRecord parses the record header and creates the decoder
func (reg *Registry) CreateFromRecord(r Record) (*Decoder, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	d, err := reg.TryCreate(h.Class, h.Address, h.Name, r)
	if errors.Is(err, ErrUnknownClass) {
		return nil, fmt.Errorf("decoder %s: %w", h.Name, err)
	}
	return d, err
}
