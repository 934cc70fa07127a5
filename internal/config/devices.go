package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/internal/validation"
)

var validator = validation.NewValidator()

// ErrDuplicateDevice is returned when two device files use the same name
var ErrDuplicateDevice = errors.New("duplicate device name")

// DeviceFile 单个设备的配置文件 {name, decoders:[...]}
type DeviceFile struct {
	Name     string           `json:"name" validate:"required,max=24"`
	Decoders []decoder.Record `json:"decoders"`
	Path     string           `json:"-"`
}

// LoadDevices 读取目录下全部 *.json 设备文件，按文件名排序
func LoadDevices(dir string) ([]DeviceFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list devices dir: %w", err)
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	devices := make([]DeviceFile, 0, len(paths))
	for _, path := range paths {
		dev, err := loadDeviceFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[dev.Name]; dup {
			return nil, fmt.Errorf("%w: %q in %s and %s", ErrDuplicateDevice, dev.Name, prev, path)
		}
		seen[dev.Name] = path
		devices = append(devices, dev)

		log.Debug().Str("device", dev.Name).Str("file", path).Int("decoders", len(dev.Decoders)).Msg("device file loaded")
	}

	return devices, nil
}

func loadDeviceFile(path string) (DeviceFile, error) {
	var dev DeviceFile

	data, err := os.ReadFile(path)
	if err != nil {
		return dev, fmt.Errorf("read device file: %w", err)
	}
	if err := json.Unmarshal(data, &dev); err != nil {
		return dev, fmt.Errorf("parse device file %s: %w", path, err)
	}
	if err := validator.Validate(&dev); err != nil {
		return dev, fmt.Errorf("device file %s: %w", path, err)
	}
	dev.Path = path
	return dev, nil
}

// LoadSignals 读取信号机记录（JSON 数组），path 为空时返回空
func LoadSignals(path string) ([]decoder.Record, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signals file: %w", err)
	}

	var records []decoder.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse signals file %s: %w", path, err)
	}
	return records, nil
}
