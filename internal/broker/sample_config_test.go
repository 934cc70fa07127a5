package broker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/decoder"
)

func TestShippedConfigLoads(t *testing.T) {
	root := filepath.Join("..", "..")

	cfg, err := config.Load(filepath.Join(root, "config", "dcclite-broker.yml"))
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Broker.Name)

	devices, err := config.LoadDevices(filepath.Join(root, cfg.Broker.DevicesDir))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	signals, err := config.LoadSignals(filepath.Join(root, cfg.Broker.SignalsFile))
	require.NoError(t, err)

	svc, err := NewService(Options{
		Name:    cfg.Broker.Name,
		Devices: devices,
		Signals: signals,
		Sender:  &recordingSender{},
	})
	require.NoError(t, err)

	names := make([]string, 0, 2)
	for _, v := range svc.Devices() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"station", "yard"}, names)
	require.Len(t, svc.Signals(), 1)

	e, ok := svc.Decoder(decoder.Address(130))
	require.True(t, ok)
	assert.Equal(t, "turnout_1", e.Decoder.Name())
	assert.Equal(t, "station", e.Owner)
}
