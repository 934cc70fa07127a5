package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dcclite-server/dcclite-broker/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Schema
	Migrate(ctx context.Context) error

	// Device state methods
	SaveDeviceState(ctx context.Context, state *models.DeviceState) error
	GetDeviceState(ctx context.Context, broker, name string) (*models.DeviceState, error)
	ListDeviceStates(ctx context.Context, broker string) ([]*models.DeviceState, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	Broker    *string
	Device    *string
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
