package device

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

var (
	ErrInvalidName     = errors.New("invalid device name")
	ErrTooManyDecoders = errors.New("too many decoders")
	ErrNotDeviceHosted = errors.New("decoder cannot be hosted by a device")
)

// configNamespace ConfigToken 的 UUIDv5 命名空间，修改会让所有设备重新配置
var configNamespace = uuid.MustParse("6f1d3c2e-9a57-4b8e-8e3a-1c0dcc11e7e0")

// Device 设备配置：名称 + 解码器列表（下标即 CONFIG_DEV 序号）
type Device struct {
	name        string
	decoders    []*decoder.Decoder
	configToken dcclite.Token
}

// New 创建设备并把解码器登记到 broker 范围的索引中。
// 任一解码器出错时撤销本设备已登记的条目。
func New(name string, records []decoder.Record, reg *decoder.Registry, idx *decoder.Index) (*Device, error) {
	if name == "" || len(name) > dcclite.MaxDeviceNameLength {
		return nil, fmt.Errorf("%w: %q (1..%d bytes)", ErrInvalidName, name, dcclite.MaxDeviceNameLength)
	}
	if len(records) > math.MaxUint8 {
		return nil, fmt.Errorf("device %s: %w: %d", name, ErrTooManyDecoders, len(records))
	}

	dev := &Device{name: name}
	local := make(map[decoder.Address]string, len(records))

	fail := func(err error) (*Device, error) {
		idx.Remove(name)
		return nil, fmt.Errorf("device %s: %w", name, err)
	}

	for i, r := range records {
		d, err := reg.CreateFromRecord(r)
		if err != nil {
			return fail(fmt.Errorf("decoder #%d: %w", i, err))
		}
		if !d.DeviceHosted() {
			return fail(fmt.Errorf("%w: %s is a %s", ErrNotDeviceHosted, d.Name(), d.Type()))
		}
		if prev, dup := local[d.Address()]; dup {
			return fail(fmt.Errorf("%w: %s used by %s and %s", decoder.ErrDuplicateAddress, d.Address(), prev, d.Name()))
		}
		local[d.Address()] = d.Name()

		if err := idx.Add(name, d); err != nil {
			return fail(err)
		}
		dev.decoders = append(dev.decoders, d)
	}

	dev.configToken = deriveConfigToken(name, dev.decoders)
	return dev, nil
}

// deriveConfigToken 名称 + 当前协议下的全部配置负载做 SHA1，重启后保持不变
func deriveConfigToken(name string, decoders []*decoder.Decoder) dcclite.Token {
	data := []byte(name)
	for _, d := range decoders {
		p := dcclite.NewPacket()
		d.WriteConfig(p, false)
		data = append(data, p.Bytes()...)
	}
	return dcclite.TokenFromData(configNamespace, data)
}

// Name returns the device name
func (d *Device) Name() string {
	return d.name
}

// Decoders returns the decoders in sequence order
func (d *Device) Decoders() []*decoder.Decoder {
	return d.decoders
}

// ConfigToken returns the token a synced device must present
func (d *Device) ConfigToken() dcclite.Token {
	return d.configToken
}
