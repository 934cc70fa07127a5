package decoder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateAddress = errors.New("duplicate decoder address")
	ErrDuplicateName    = errors.New("duplicate decoder name")
)

// Entry 地址索引中的一项，Owner 为设备名（信号机为空）
type Entry struct {
	Decoder *Decoder
	Owner   string
}

// Index broker 范围内的地址/名称唯一性索引
type Index struct {
	mu        sync.RWMutex
	byAddress map[Address]Entry
	byName    map[string]Entry
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{
		byAddress: make(map[Address]Entry),
		byName:    make(map[string]Entry),
	}
}

// Add 登记解码器；地址或名称重复时返回错误且不修改索引
func (idx *Index) Add(owner string, d *Decoder) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prev, ok := idx.byAddress[d.Address()]; ok {
		return fmt.Errorf("%w: %s used by %s and %s", ErrDuplicateAddress, d.Address(), prev.Decoder.Name(), d.Name())
	}
	if _, ok := idx.byName[d.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, d.Name())
	}

	e := Entry{Decoder: d, Owner: owner}
	idx.byAddress[d.Address()] = e
	idx.byName[d.Name()] = e
	return nil
}

// Remove drops every decoder owned by owner
func (idx *Index) Remove(owner string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for addr, e := range idx.byAddress {
		if e.Owner == owner {
			delete(idx.byAddress, addr)
			delete(idx.byName, e.Decoder.Name())
		}
	}
}

// ByAddress looks up a decoder by address
func (idx *Index) ByAddress(addr Address) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byAddress[addr]
	return e, ok
}

// ByName looks up a decoder by name
func (idx *Index) ByName(name string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byName[name]
	return e, ok
}

// Len returns the number of indexed decoders
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byAddress)
}

// Entries returns all entries ordered by address
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	out := make([]Entry, 0, len(idx.byAddress))
	for _, e := range idx.byAddress {
		out = append(out, e)
	}
	idx.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Decoder.Address() < out[j].Decoder.Address()
	})
	return out
}

// CheckSignal 校验信号机引用的灯头都是已登记的 Output 解码器
func (idx *Index) CheckSignal(d *Decoder) error {
	sig, ok := d.Variant().(*Signal)
	if !ok {
		return nil
	}
	for _, name := range sig.Outputs() {
		e, ok := idx.ByName(name)
		if !ok {
			return fmt.Errorf("signal %s: head references missing output %q", d.Name(), name)
		}
		if e.Decoder.Type() != TypeOutput {
			return fmt.Errorf("signal %s: head %q is a %s, not an Output", d.Name(), name, e.Decoder.Type())
		}
	}
	return nil
}
