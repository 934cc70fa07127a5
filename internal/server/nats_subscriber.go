package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/models"
)

// EventStore is the part of storage.Store the subscriber writes to
type EventStore interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// NATSSubscriber NATS subscriber
type NATSSubscriber struct {
	nc     *nats.Conn
	store  EventStore
	prefix string
	subs   []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, store EventStore, prefix string) *NATSSubscriber {
	return &NATSSubscriber{
		nc:     nc,
		store:  store,
		prefix: prefix,
		subs:   make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions
func (s *NATSSubscriber) Start(ctx context.Context) error {
	subject := broker.EventWildcard(s.prefix)
	sub, err := s.nc.Subscribe(subject, s.handleDeviceEvent)
	if err != nil {
		return fmt.Errorf("subscribe device events: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Str("subject", subject).
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleDeviceEvent stores one device event as an event log
func (s *NATSSubscriber) handleDeviceEvent(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received device event")

	var ev broker.EventMessage
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal device event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.CreateEventLog(ctx, EventLogFromMessage(ev)); err != nil {
		log.Error().Err(err).Str("device", ev.Device).Msg("Failed to create event log")
	}
}

// EventLogFromMessage converts a published device event into an event log row
func EventLogFromMessage(ev broker.EventMessage) *models.EventLog {
	t := models.EventType(ev.Type)
	entry := &models.EventLog{
		CreatedAt:   ev.Time,
		Broker:      ev.Broker,
		Device:      ev.Device,
		Type:        t,
		Level:       models.LevelFor(t),
		Code:        ev.Reason,
		Description: describe(ev.Event),
		Details: models.Variables{
			"sessionToken": ev.SessionToken.String(),
			"configToken":  ev.ConfigToken.String(),
		},
	}
	if ev.Remote.IsValid() {
		entry.Remote = ev.Remote.String()
	}
	if ev.PrevRemote.IsValid() {
		entry.Details["prevRemote"] = ev.PrevRemote.String()
	}
	if ev.Reason != "" {
		entry.Details["reason"] = ev.Reason
	}
	return entry
}

func describe(ev device.Event) string {
	switch ev.Type {
	case device.EventOnline:
		return fmt.Sprintf("Device %s connected from %s", ev.Device, ev.Remote)
	case device.EventOffline:
		if ev.Reason != "" {
			return fmt.Sprintf("Device %s went offline (%s)", ev.Device, ev.Reason)
		}
		return fmt.Sprintf("Device %s went offline", ev.Device)
	case device.EventConfigStarted:
		return fmt.Sprintf("Configuring device %s", ev.Device)
	case device.EventConfigFinished:
		return fmt.Sprintf("Device %s configuration finished", ev.Device)
	case device.EventAddressChanged:
		return fmt.Sprintf("Device %s moved from %s to %s", ev.Device, ev.PrevRemote, ev.Remote)
	case device.EventDesync:
		return fmt.Sprintf("Device %s lost configuration sync: %s", ev.Device, ev.Reason)
	default:
		return fmt.Sprintf("Device %s event %s", ev.Device, ev.Type)
	}
}
