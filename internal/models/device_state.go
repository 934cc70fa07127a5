package models

import (
	"time"
)

// DeviceState 设备会话的持久化快照，每个设备一行
type DeviceState struct {
	Name            string     `json:"name" db:"name"`
	Broker          string     `json:"broker" db:"broker"`
	Status          string     `json:"status" db:"status"`
	Remote          string     `json:"remote,omitempty" db:"remote"`
	SessionToken    string     `json:"sessionToken,omitempty" db:"session_token"`
	ConfigToken     string     `json:"configToken,omitempty" db:"config_token"`
	ExpectedToken   string     `json:"expectedToken" db:"expected_token"`
	ProtocolVersion int        `json:"protocolVersion" db:"protocol_version"`
	Decoders        int        `json:"decoders" db:"decoders"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	OnlineSince     *time.Time `json:"onlineSince,omitempty" db:"online_since"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
}
