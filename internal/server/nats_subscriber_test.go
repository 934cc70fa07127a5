package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/models"
	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

func TestEventLogFromMessage(t *testing.T) {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	session := dcclite.NewSessionToken()

	log := EventLogFromMessage(broker.EventMessage{
		Broker: "main",
		Event: device.Event{
			Device:       "shelf",
			Type:         device.EventOffline,
			Time:         now,
			Remote:       netip.MustParseAddrPort("10.1.1.1:2560"),
			SessionToken: session,
			Reason:       device.ReasonTimeout,
		},
	})

	assert.Equal(t, "main", log.Broker)
	assert.Equal(t, "shelf", log.Device)
	assert.Equal(t, models.EventTypeDeviceOffline, log.Type)
	assert.Equal(t, models.EventLevelInfo, log.Level)
	assert.Equal(t, "timeout", log.Code)
	assert.Equal(t, "10.1.1.1:2560", log.Remote)
	assert.Equal(t, "Device shelf went offline (timeout)", log.Description)
	assert.Equal(t, session.String(), log.Details["sessionToken"])
	assert.Equal(t, "timeout", log.Details["reason"])
	assert.NotContains(t, log.Details, "prevRemote")
	assert.True(t, log.CreatedAt.Equal(now))
}

func TestEventLogFromAddressChange(t *testing.T) {
	log := EventLogFromMessage(broker.EventMessage{
		Broker: "main",
		Event: device.Event{
			Device:     "shelf",
			Type:       device.EventAddressChanged,
			Remote:     netip.MustParseAddrPort("10.1.1.2:2560"),
			PrevRemote: netip.MustParseAddrPort("10.1.1.1:2560"),
		},
	})

	assert.Equal(t, models.EventLevelDebug, log.Level)
	assert.Equal(t, "10.1.1.1:2560", log.Details["prevRemote"])
	assert.Equal(t, "Device shelf moved from 10.1.1.1:2560 to 10.1.1.2:2560", log.Description)
}

func TestEventLogFromDesyncIsWarning(t *testing.T) {
	log := EventLogFromMessage(broker.EventMessage{
		Event: device.Event{Device: "shelf", Type: device.EventDesync, Reason: "config ack out of range"},
	})

	assert.Equal(t, models.EventLevelWarning, log.Level)
	assert.Equal(t, "", log.Remote)
}
