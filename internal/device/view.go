package device

import (
	"time"

	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

// View is a point-in-time copy of a session for the admin API
type View struct {
	Name                string        `json:"name"`
	Status              string        `json:"status"`
	Remote              string        `json:"remote,omitempty"`
	SessionToken        dcclite.Token `json:"sessionToken"`
	ConfigToken         dcclite.Token `json:"configToken"`
	ExpectedConfigToken dcclite.Token `json:"expectedConfigToken"`
	Configuring         bool          `json:"configuring"`
	ConfigAcked         int           `json:"configAcked"`
	Decoders            int           `json:"decoders"`
	ProtocolVersion     uint16        `json:"protocolVersion,omitempty"`
	Legacy              bool          `json:"legacy"`
	LastSeen            time.Time     `json:"lastSeen,omitempty"`
	OnlineSince         time.Time     `json:"onlineSince,omitempty"`
	Timeout             time.Time     `json:"timeout,omitempty"`
}

// Snapshot copies the session state
func (s *Session) Snapshot() View {
	v := View{
		Name:                s.dev.name,
		Status:              s.status.String(),
		SessionToken:        s.sessionToken,
		ConfigToken:         s.configToken,
		ExpectedConfigToken: s.dev.configToken,
		Decoders:            len(s.dev.decoders),
		LastSeen:            s.lastSeen,
	}
	if s.status == StatusOnline {
		v.Remote = s.remote.String()
		v.ProtocolVersion = s.version
		v.Legacy = s.legacy
		v.Timeout = s.timeout
		v.OnlineSince = s.onlineSince
	}
	if s.progress != nil {
		v.Configuring = true
		v.ConfigAcked = s.progress.count
	}
	return v
}
