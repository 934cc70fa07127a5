package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/device"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
	liveSendBuffer = 64
)

var errTooManyClients = errors.New("too many live event clients")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// JWT already guards the handshake
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub 把设备事件推送给 websocket 客户端，同时作为 broker 的 EventSink
type EventHub struct {
	broker     string
	maxClients int

	mu      sync.RWMutex
	clients map[uuid.UUID]*liveClient

	dropped atomic.Uint64
}

type liveClient struct {
	id     uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	device string
}

// NewEventHub creates a hub; maxClients <= 0 means unlimited
func NewEventHub(brokerName string, maxClients int) *EventHub {
	return &EventHub{
		broker:     brokerName,
		maxClients: maxClients,
		clients:    make(map[uuid.UUID]*liveClient),
	}
}

// DeviceEvent 在引擎协程中调用，客户端缓冲满时丢弃
func (h *EventHub) DeviceEvent(ev device.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(broker.EventMessage{Broker: h.broker, Event: ev})
	if err != nil {
		log.Error().Err(err).Str("device", ev.Device).Msg("序列化设备事件失败")
		return
	}

	for _, c := range h.clients {
		if c.device != "" && c.device != ev.Device {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Len 当前连接的客户端数
func (h *EventHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因客户端过慢而丢弃的消息数
func (h *EventHub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeWS upgrades the request and streams events, optionally only for one device
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request, deviceName string) error {
	if h.maxClients > 0 && h.Len() >= h.maxClients {
		return errTooManyClients
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		return nil
	}

	c := &liveClient{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, liveSendBuffer),
		device: deviceName,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	log.Info().
		Str("client", c.id.String()).
		Str("remote", r.RemoteAddr).
		Str("device", deviceName).
		Msg("Live event client connected")

	go c.writeLoop()
	go h.readLoop(c)
	return nil
}

// Close 断开所有客户端
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *EventHub) unregister(c *liveClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()

	log.Info().Str("client", c.id.String()).Msg("Live event client disconnected")
}

// readLoop 只处理控制帧，用于发现断开
func (h *EventHub) readLoop(c *liveClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id.String()).Msg("Live event connection error")
			}
			return
		}
	}
}

func (c *liveClient) writeLoop() {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleLiveEvents streams device events over a websocket, ?device= narrows to one device
func (s *RESTServer) HandleLiveEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.respondError(w, http.StatusServiceUnavailable, "live events not enabled")
		return
	}

	name := r.URL.Query().Get("device")
	if name != "" {
		if _, ok := s.broker.DeviceView(name); !ok {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
	}

	if err := s.hub.ServeWS(w, r, name); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	}
}
