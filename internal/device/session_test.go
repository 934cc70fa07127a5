package device

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/internal/scheduler"
	"github.com/dcclite-server/dcclite-broker/pkg/dcclite"
)

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	addrA = netip.MustParseAddrPort("10.0.0.5:2560")
	addrB = netip.MustParseAddrPort("10.0.0.9:2560")
	addrC = netip.MustParseAddrPort("10.0.0.77:4000")
)

func threeDecoders() []decoder.Record {
	return []decoder.Record{
		{"class": "Output", "name": "lamp", "address": 1.0, "pin": 5.0},
		{"class": "Sensor", "name": "det", "address": 2.0, "pin": 6.0, "activateDelayMs": 200.0},
		{"class": "ServoTurnout", "name": "t1", "address": 3.0, "pin": 7.0},
	}
}

type sentPacket struct {
	to   netip.AddrPort
	hdr  dcclite.Header
	body []byte
}

type fakeSender struct {
	t   *testing.T
	out []sentPacket
}

func (f *fakeSender) Send(to netip.AddrPort, p *dcclite.Packet) {
	r := dcclite.NewReader(p.Bytes())
	hdr, err := dcclite.ReadHeader(r)
	require.NoError(f.t, err)
	data := p.Bytes()
	body := append([]byte(nil), data[len(data)-r.Remaining():]...)
	f.out = append(f.out, sentPacket{to: to, hdr: hdr, body: body})
}

func (f *fakeSender) take() []sentPacket {
	out := f.out
	f.out = nil
	return out
}

func msgTypes(ps []sentPacket) []dcclite.MsgType {
	out := make([]dcclite.MsgType, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.hdr.Type)
	}
	return out
}

type harness struct {
	t      *testing.T
	sched  *scheduler.Scheduler
	sender *fakeSender
	events []Event
	dev    *Device
	s      *Session
	now    time.Time
}

func newHarness(t *testing.T, records []decoder.Record) *harness {
	t.Helper()

	dev, err := New("yard", records, decoder.NewRegistry(), decoder.NewIndex())
	require.NoError(t, err)

	h := &harness{
		t:      t,
		sched:  scheduler.New(),
		sender: &fakeSender{t: t},
		dev:    dev,
		now:    t0,
	}
	h.s = NewSession(dev, h.sched, h.sender, EventSinkFunc(func(ev Event) {
		h.events = append(h.events, ev)
	}))
	return h
}

func (h *harness) hello(from netip.AddrPort, version uint16, session, config dcclite.Token) {
	h.s.OnHello(h.now, from, dcclite.HelloPayload{
		ProtocolVersion: version,
		Name:            h.dev.Name(),
		SessionToken:    session,
		ConfigToken:     config,
	})
}

func (h *harness) packet(from netip.AddrPort, t dcclite.MsgType, session, config dcclite.Token, payload ...byte) {
	p := dcclite.NewMessage(t, session, config)
	for _, b := range payload {
		p.Write8(b)
	}
	r := dcclite.NewReader(p.Bytes())
	hdr, err := dcclite.ReadHeader(r)
	require.NoError(h.t, err)
	h.s.OnPacket(h.now, from, hdr, r)
}

// ack sends a device reply carrying the current session and expected config tokens
func (h *harness) ack(t dcclite.MsgType, payload ...byte) {
	h.packet(h.s.Remote(), t, h.s.SessionToken(), h.dev.ConfigToken(), payload...)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.sched.Drive(h.now)
}

func (h *harness) eventTypes() []EventType {
	out := make([]EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func staleToken() dcclite.Token {
	var tok dcclite.Token
	tok[0] = 0x42
	return tok
}

func TestHelloWithMatchingTokenIsAccepted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())

	out := h.sender.take()
	require.Equal(t, []dcclite.MsgType{dcclite.Accepted}, msgTypes(out))
	assert.Equal(t, addrA, out[0].to)
	assert.Equal(t, h.s.SessionToken(), out[0].hdr.SessionToken)
	assert.Equal(t, h.dev.ConfigToken(), out[0].hdr.ConfigToken)
	assert.False(t, h.s.SessionToken().IsNull())

	assert.Equal(t, StatusOnline, h.s.Status())
	assert.False(t, h.s.Configuring())
	assert.Equal(t, []EventType{EventOnline}, h.eventTypes())

	deadline, ok := h.s.thinker.Scheduled()
	require.True(t, ok)
	assert.Equal(t, t0.Add(dcclite.Timeout), deadline)
}

func TestHelloWithStaleTokenSendsFullBurst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())

	out := h.sender.take()
	require.Equal(t, []dcclite.MsgType{
		dcclite.ConfigStart, dcclite.ConfigDev, dcclite.ConfigDev, dcclite.ConfigDev,
	}, msgTypes(out))

	for i, p := range out[1:] {
		r := dcclite.NewReader(p.body)
		seq, err := r.Read8()
		require.NoError(t, err)
		assert.Equal(t, uint8(i), seq)

		d, err := decoder.ReadConfig(r, false)
		require.NoError(t, err)
		assert.Equal(t, h.dev.Decoders()[i].Address(), d.Address())
		assert.Equal(t, h.dev.Decoders()[i].Variant(), d.Variant())
		assert.Equal(t, h.dev.ConfigToken(), p.hdr.ConfigToken)
	}

	require.True(t, h.s.Configuring())
	assert.Len(t, h.s.progress.acks, 3)
	assert.Equal(t, []EventType{EventOnline, EventConfigStarted}, h.eventTypes())

	deadline, ok := h.s.thinker.Scheduled()
	require.True(t, ok)
	assert.Equal(t, t0.Add(dcclite.ConfigRetryTime), deadline)
}

func TestRetryResendsStartWhenFirstDecoderUnacked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	h.sender.take()

	h.ack(dcclite.ConfigDev, 1)
	h.ack(dcclite.ConfigDev, 2)
	assert.Empty(t, h.sender.take())

	// exactly at the retry deadline nothing is resent yet
	h.advance(dcclite.ConfigRetryTime)
	assert.Empty(t, h.sender.take())

	h.advance(time.Millisecond)
	out := h.sender.take()
	require.Equal(t, []dcclite.MsgType{dcclite.ConfigStart, dcclite.ConfigDev}, msgTypes(out))
	assert.Equal(t, byte(0), out[1].body[0])

	h.ack(dcclite.ConfigDev, 0)
	out = h.sender.take()
	require.Equal(t, []dcclite.MsgType{dcclite.ConfigFinished}, msgTypes(out))
	assert.Equal(t, []byte{3}, out[0].body)

	h.ack(dcclite.ConfigFinished)
	assert.False(t, h.s.Configuring())
	assert.Equal(t, StatusOnline, h.s.Status())
	assert.Equal(t, h.dev.ConfigToken(), h.s.configToken)
	assert.Equal(t, []EventType{EventOnline, EventConfigStarted, EventConfigFinished}, h.eventTypes())

	// synced: later ticks send nothing until the timeout
	h.advance(time.Second)
	assert.Empty(t, h.sender.take())
}

func TestRetryBurstIsBounded(t *testing.T) {
	t.Parallel()

	records := make([]decoder.Record, 6)
	for i := range records {
		records[i] = decoder.Record{"class": "Output", "name": string(rune('a' + i)), "address": float64(10 + i), "pin": float64(i)}
	}
	h := newHarness(t, records)
	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	h.sender.take()

	h.ack(dcclite.ConfigDev, 0)
	h.advance(dcclite.ConfigRetryTime + time.Millisecond)

	out := h.sender.take()
	require.Equal(t, []dcclite.MsgType{dcclite.ConfigDev, dcclite.ConfigDev, dcclite.ConfigDev}, msgTypes(out))
	assert.Equal(t, []byte{1, 2, 3}, []byte{out[0].body[0], out[1].body[0], out[2].body[0]})
}

func TestDuplicateAckKeepsCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	h.ack(dcclite.ConfigDev, 1)
	h.ack(dcclite.ConfigDev, 1)
	h.ack(dcclite.ConfigDev, 1)

	require.NotNil(t, h.s.progress)
	assert.Equal(t, 1, h.s.progress.count)
	assert.Len(t, h.s.progress.acks, 3)
	assert.Equal(t, 1, h.s.Snapshot().ConfigAcked)
}

func TestMissingFinishedAckResendsFinished(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	h.ack(dcclite.ConfigDev, 0)
	h.ack(dcclite.ConfigDev, 1)
	h.ack(dcclite.ConfigDev, 2)
	h.sender.take()

	for i := 0; i < 5; i++ {
		h.advance(dcclite.ConfigRetryTime + time.Millisecond)
		assert.Equal(t, []dcclite.MsgType{dcclite.ConfigFinished}, msgTypes(h.sender.take()), "pass %d", i)
	}
	assert.True(t, h.s.Configuring())
}

func TestEarlyFinishedAckIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	h.ack(dcclite.ConfigDev, 0)
	h.ack(dcclite.ConfigFinished)

	assert.True(t, h.s.Configuring())
	assert.Equal(t, StatusOnline, h.s.Status())
}

func TestConfigAckDesyncForcesOffline(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		config dcclite.Token
		seq    byte
	}{
		{"seq-out-of-range", staleToken(), 3},
		{"ack-while-synced", dcclite.Token{}, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, threeDecoders())
			config := c.config
			if config.IsNull() {
				config = h.dev.ConfigToken()
			}
			h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, config)
			h.sender.take()

			h.ack(dcclite.ConfigDev, c.seq)

			assert.Equal(t, StatusOffline, h.s.Status())
			assert.False(t, h.s.Configuring())
			assert.True(t, h.s.SessionToken().IsNull())
			assert.Equal(t, 0, h.sched.Len())
			assert.Empty(t, h.sender.take())

			last := h.events[len(h.events)-1]
			assert.Equal(t, EventOffline, last.Type)
			assert.Equal(t, ReasonDesync, last.Reason)
			assert.Equal(t, EventDesync, h.events[len(h.events)-2].Type)
		})
	}
}

func TestTimeoutGoesOfflineOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	h.sender.take()
	h.ack(dcclite.ConfigDev, 0)

	// retries keep going while the device stays silent
	for h.now.Before(t0.Add(dcclite.Timeout)) {
		h.advance(100 * time.Millisecond)
	}
	assert.Equal(t, StatusOnline, h.s.Status())

	h.advance(time.Millisecond)
	assert.Equal(t, StatusOffline, h.s.Status())
	assert.True(t, h.s.SessionToken().IsNull())
	assert.True(t, h.s.configToken.IsNull())
	assert.Nil(t, h.s.progress)
	assert.Equal(t, 0, h.sched.Len())

	h.sender.take()
	h.advance(time.Minute)
	assert.Empty(t, h.sender.take())

	offline := 0
	for _, ev := range h.events {
		if ev.Type == EventOffline {
			offline++
			assert.Equal(t, ReasonTimeout, ev.Reason)
			assert.Equal(t, addrA, ev.Remote)
		}
	}
	assert.Equal(t, 1, offline)
}

func TestPingWithWrongConfigTokenIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())
	h.sender.take()

	h.advance(5 * time.Second)
	h.packet(addrB, dcclite.MsgPing, h.s.SessionToken(), staleToken())

	assert.Empty(t, h.sender.take())
	assert.Equal(t, t0.Add(dcclite.Timeout), h.s.timeout)
	assert.Equal(t, addrA, h.s.Remote())

	// no refresh happened, so the original deadline still applies
	h.advance(5*time.Second + time.Millisecond)
	assert.Equal(t, StatusOffline, h.s.Status())
}

func TestPingRefreshesTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())
	h.sender.take()

	h.advance(9 * time.Second)
	h.ack(dcclite.MsgPing)
	out := h.sender.take()
	require.Equal(t, []dcclite.MsgType{dcclite.MsgPong}, msgTypes(out))
	assert.Equal(t, h.s.SessionToken(), out[0].hdr.SessionToken)

	h.advance(9 * time.Second)
	assert.Equal(t, StatusOnline, h.s.Status())
	h.advance(time.Second + time.Millisecond)
	assert.Equal(t, StatusOffline, h.s.Status())
}

func TestAddressRoaming(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())
	h.sender.take()
	session := h.s.SessionToken()

	h.packet(addrB, dcclite.MsgPing, session, h.dev.ConfigToken())
	out := h.sender.take()
	require.Len(t, out, 1)
	assert.Equal(t, addrB, out[0].to)
	assert.Equal(t, addrB, h.s.Remote())

	last := h.events[len(h.events)-1]
	assert.Equal(t, EventAddressChanged, last.Type)
	assert.Equal(t, addrA, last.PrevRemote)
	assert.Equal(t, addrB, last.Remote)

	h.packet(addrC, dcclite.MsgPing, staleToken(), h.dev.ConfigToken())
	assert.Empty(t, h.sender.take())
	assert.Equal(t, addrB, h.s.Remote())
}

func TestZeroDecodersFinishImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	out := h.sender.take()
	require.Equal(t, []dcclite.MsgType{dcclite.ConfigStart, dcclite.ConfigFinished}, msgTypes(out))
	assert.Equal(t, []byte{0}, out[1].body)

	h.ack(dcclite.ConfigFinished)
	assert.False(t, h.s.Configuring())
}

func TestDuplicateHelloIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())
	h.sender.take()
	session := h.s.SessionToken()

	h.hello(addrA, dcclite.ProtocolVersion, session, h.dev.ConfigToken())
	assert.Empty(t, h.sender.take())
	assert.Equal(t, session, h.s.SessionToken())

	// a rebooted device coming back from another address gets a new session
	h.hello(addrB, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())
	assert.Equal(t, []dcclite.MsgType{dcclite.Accepted}, msgTypes(h.sender.take()))
	assert.NotEqual(t, session, h.s.SessionToken())
	assert.Equal(t, addrB, h.s.Remote())
	assert.Equal(t, []EventType{EventOnline, EventOffline, EventOnline}, h.eventTypes())
	assert.Equal(t, ReasonReconnect, h.events[1].Reason)
}

func TestLegacyDeviceGetsSecondDelays(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersionMsDelays-1, dcclite.NullToken, staleToken())
	out := h.sender.take()
	require.Len(t, out, 4)

	r := dcclite.NewReader(out[2].body)
	_, err := r.Read8()
	require.NoError(t, err)
	d, err := decoder.ReadConfig(r, true)
	require.NoError(t, err)

	sensor, ok := d.Variant().(*decoder.Sensor)
	require.True(t, ok)
	assert.Equal(t, time.Second, sensor.ActivateDelay)
	assert.Equal(t, time.Duration(0), sensor.DeactivateDelay)
	assert.True(t, h.s.Snapshot().Legacy)
}

func TestPacketsWhileOfflineAreDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.packet(addrA, dcclite.MsgPing, dcclite.NullToken, h.dev.ConfigToken())
	h.packet(addrA, dcclite.ConfigDev, dcclite.NullToken, h.dev.ConfigToken(), 0)
	assert.Empty(t, h.sender.take())
	assert.Empty(t, h.events)
	assert.Equal(t, StatusOffline, h.s.Status())
}

func TestUnexpectedMessageTypeIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, h.dev.ConfigToken())
	h.sender.take()
	h.ack(dcclite.MsgPong)
	h.ack(dcclite.Accepted)
	assert.Empty(t, h.sender.take())
	assert.Equal(t, StatusOnline, h.s.Status())
}

func TestCloseReleasesRegistration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, threeDecoders())

	h.hello(addrA, dcclite.ProtocolVersion, dcclite.NullToken, staleToken())
	assert.Equal(t, 1, h.sched.Len())

	h.s.Close()
	assert.Equal(t, 0, h.sched.Len())
	h.sender.take()
	h.advance(time.Minute)
	assert.Empty(t, h.sender.take())
}

func TestDeviceRejectsDuplicateAddress(t *testing.T) {
	t.Parallel()

	reg, idx := decoder.NewRegistry(), decoder.NewIndex()
	records := []decoder.Record{
		{"class": "Output", "name": "a", "address": 1.0, "pin": 1.0},
		{"class": "Sensor", "name": "b", "address": 1.0, "pin": 2.0},
	}
	_, err := New("dev", records, reg, idx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, decoder.ErrDuplicateAddress), "err=%v", err)
	assert.Contains(t, err.Error(), "dev")
	assert.Equal(t, 0, idx.Len(), "failed device must not leave entries behind")

	// across devices the broker-wide index catches it
	_, err = New("one", records[:1], reg, idx)
	require.NoError(t, err)
	_, err = New("two", []decoder.Record{{"class": "Output", "name": "c", "address": 1.0, "pin": 3.0}}, reg, idx)
	assert.True(t, errors.Is(err, decoder.ErrDuplicateAddress), "err=%v", err)
	assert.Equal(t, 1, idx.Len())
}

func TestDeviceRejectsBadInput(t *testing.T) {
	t.Parallel()

	reg := decoder.NewRegistry()

	_, err := New("", nil, reg, decoder.NewIndex())
	assert.True(t, errors.Is(err, ErrInvalidName))

	_, err = New("a-name-that-is-far-too-long-for-hello", nil, reg, decoder.NewIndex())
	assert.True(t, errors.Is(err, ErrInvalidName))

	_, err = New("dev", []decoder.Record{{"class": "Turntable", "name": "x", "address": 1.0}}, reg, decoder.NewIndex())
	assert.True(t, errors.Is(err, decoder.ErrUnknownClass))
	assert.Contains(t, err.Error(), "x")

	signal := decoder.Record{
		"class": "Signal", "name": "s", "address": 9.0,
		"heads":   map[string]interface{}{"red": "lamp"},
		"aspects": []interface{}{map[string]interface{}{"name": "Stop", "on": []interface{}{"red"}}},
	}
	_, err = New("dev", []decoder.Record{signal}, reg, decoder.NewIndex())
	assert.True(t, errors.Is(err, ErrNotDeviceHosted), "err=%v", err)
}

func TestConfigTokenIsDeterministic(t *testing.T) {
	t.Parallel()

	reg := decoder.NewRegistry()
	a, err := New("yard", threeDecoders(), reg, decoder.NewIndex())
	require.NoError(t, err)
	b, err := New("yard", threeDecoders(), reg, decoder.NewIndex())
	require.NoError(t, err)
	assert.Equal(t, a.ConfigToken(), b.ConfigToken())

	changed := threeDecoders()
	changed[0]["inverted"] = true
	c, err := New("yard", changed, reg, decoder.NewIndex())
	require.NoError(t, err)
	assert.NotEqual(t, a.ConfigToken(), c.ConfigToken())

	other, err := New("shed", threeDecoders(), reg, decoder.NewIndex())
	require.NoError(t, err)
	assert.NotEqual(t, a.ConfigToken(), other.ConfigToken())
}
