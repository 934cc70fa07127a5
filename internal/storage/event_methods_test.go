package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dcclite-server/dcclite-broker/internal/models"
)

func TestBuildEventFilterEmpty(t *testing.T) {
	where, args := buildEventFilter(EventLogFilters{})
	assert.Equal(t, "", where)
	assert.Empty(t, args)
}

func TestBuildEventFilterNumbersArgs(t *testing.T) {
	broker := "main"
	device := "shelf01"
	typ := models.EventTypeDesync
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	where, args := buildEventFilter(EventLogFilters{
		Broker:    &broker,
		Device:    &device,
		Type:      &typ,
		StartTime: &start,
	})

	assert.Equal(t, " WHERE broker = $1 AND device = $2 AND type = $3 AND created_at >= $4", where)
	assert.Equal(t, []interface{}{"main", "shelf01", "DESYNC", start}, args)
}

func TestBuildEventFilterLevelAndEnd(t *testing.T) {
	level := models.EventLevelWarning
	end := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	where, args := buildEventFilter(EventLogFilters{Level: &level, EndTime: &end})

	assert.Equal(t, " WHERE level = $1 AND created_at <= $2", where)
	assert.Equal(t, []interface{}{"WARNING", end}, args)
}
