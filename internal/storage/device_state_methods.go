package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dcclite-server/dcclite-broker/internal/models"
)

const deviceStateColumns = `broker, name, status, remote, session_token, config_token,
	expected_token, protocol_version, decoders, last_seen_at, online_since, updated_at`

// SaveDeviceState upserts the snapshot of one device
func (s *PostgresStore) SaveDeviceState(ctx context.Context, state *models.DeviceState) error {
	if state.Broker == "" || state.Name == "" {
		return fmt.Errorf("%w: device state needs broker and name", ErrInvalidData)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO device_states (` + deviceStateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (broker, name) DO UPDATE SET
			status = EXCLUDED.status,
			remote = EXCLUDED.remote,
			session_token = EXCLUDED.session_token,
			config_token = EXCLUDED.config_token,
			expected_token = EXCLUDED.expected_token,
			protocol_version = EXCLUDED.protocol_version,
			decoders = EXCLUDED.decoders,
			last_seen_at = EXCLUDED.last_seen_at,
			online_since = EXCLUDED.online_since,
			updated_at = EXCLUDED.updated_at
		WHERE device_states.updated_at <= EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		state.Broker, state.Name, state.Status, state.Remote, state.SessionToken,
		state.ConfigToken, state.ExpectedToken, state.ProtocolVersion, state.Decoders,
		state.LastSeenAt, state.OnlineSince, state.UpdatedAt,
	)
	return err
}

// GetDeviceState gets the stored snapshot of one device
func (s *PostgresStore) GetDeviceState(ctx context.Context, broker, name string) (*models.DeviceState, error) {
	query := `SELECT ` + deviceStateColumns + ` FROM device_states WHERE broker = $1 AND name = $2`

	state, err := scanDeviceState(s.getDB().QueryRowContext(ctx, query, broker, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListDeviceStates lists every stored device of a broker
func (s *PostgresStore) ListDeviceStates(ctx context.Context, broker string) ([]*models.DeviceState, error) {
	query := `SELECT ` + deviceStateColumns + ` FROM device_states WHERE broker = $1 ORDER BY name`

	rows, err := s.getDB().QueryContext(ctx, query, broker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.DeviceState
	for rows.Next() {
		state, err := scanDeviceState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceState(row rowScanner) (*models.DeviceState, error) {
	state := &models.DeviceState{}
	err := row.Scan(
		&state.Broker, &state.Name, &state.Status, &state.Remote, &state.SessionToken,
		&state.ConfigToken, &state.ExpectedToken, &state.ProtocolVersion, &state.Decoders,
		&state.LastSeenAt, &state.OnlineSince, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}
