package dcclite

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Common decode errors
var (
	ErrShortPacket    = errors.New("packet too short")
	ErrBadMagic       = errors.New("packet magic mismatch")
	ErrUnknownMsgType = errors.New("unknown message type")
)

// Packet 固定容量的发送缓冲区，按顺序写入定长字段
type Packet struct {
	buf [MaxPacketSize]byte
	pos int
}

// NewPacket creates an empty packet
func NewPacket() *Packet {
	return &Packet{}
}

// NewMessage 创建带会话头的消息
func NewMessage(t MsgType, session, config Token) *Packet {
	p := &Packet{}
	p.WriteHeader(t)
	if t.HasSessionHeader() {
		p.WriteToken(session)
		p.WriteToken(config)
	}
	return p
}

// WriteHeader 写入 magic 和消息类型
func (p *Packet) WriteHeader(t MsgType) {
	p.Write32(PacketID)
	p.Write8(uint8(t))
}

// reserve 越界写入属于编程错误，直接 panic
func (p *Packet) reserve(n int) []byte {
	if p.pos+n > len(p.buf) {
		panic(fmt.Sprintf("dcclite: packet overflow, writing %d bytes at offset %d (cap %d)", n, p.pos, len(p.buf)))
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *Packet) Write8(v uint8) {
	p.reserve(1)[0] = v
}

func (p *Packet) Write16(v uint16) {
	binary.BigEndian.PutUint16(p.reserve(2), v)
}

func (p *Packet) Write32(v uint32) {
	binary.BigEndian.PutUint32(p.reserve(4), v)
}

func (p *Packet) Write64(v uint64) {
	binary.BigEndian.PutUint64(p.reserve(8), v)
}

// WriteBool writes a bool as a single byte
func (p *Packet) WriteBool(v bool) {
	if v {
		p.Write8(1)
	} else {
		p.Write8(0)
	}
}

func (p *Packet) WriteToken(t Token) {
	copy(p.reserve(TokenSize), t[:])
}

// WriteString 写入 u8 长度前缀的字符串
func (p *Packet) WriteString(s string) {
	if len(s) > 0xff {
		panic(fmt.Sprintf("dcclite: string of %d bytes does not fit a length byte", len(s)))
	}
	p.Write8(uint8(len(s)))
	copy(p.reserve(len(s)), s)
}

// Bytes returns the written part of the buffer
func (p *Packet) Bytes() []byte {
	return p.buf[:p.pos]
}

// Len returns the number of bytes written
func (p *Packet) Len() int {
	return p.pos
}

// Cap returns the buffer capacity
func (p *Packet) Cap() int {
	return len(p.buf)
}

// Reset rewinds the cursor
func (p *Packet) Reset() {
	p.pos = 0
}

// Reader 顺序读取收到的数据报
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps a received datagram
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("read %d bytes at offset %d of %d: %w", n, r.pos, len(r.data), ErrShortPacket)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Read8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Read16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Read32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Read64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.Read8()
	return v != 0, err
}

func (r *Reader) ReadToken() (Token, error) {
	var t Token
	b, err := r.take(TokenSize)
	if err != nil {
		return t, err
	}
	copy(t[:], b)
	return t, nil
}

// ReadString 读取 u8 长度前缀的字符串
func (r *Reader) ReadString() (string, error) {
	n, err := r.Read8()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Header 解析后的消息头
type Header struct {
	Type         MsgType
	SessionToken Token
	ConfigToken  Token
}

// ReadHeader 校验 magic 与消息类型，非 HELLO 消息还会读取两个令牌
func ReadHeader(r *Reader) (Header, error) {
	var h Header

	magic, err := r.Read32()
	if err != nil {
		return h, err
	}
	if magic != PacketID {
		return h, fmt.Errorf("got %#08x: %w", magic, ErrBadMagic)
	}

	t, err := r.Read8()
	if err != nil {
		return h, err
	}
	h.Type = MsgType(t)
	if !h.Type.Valid() {
		return h, fmt.Errorf("type %d: %w", t, ErrUnknownMsgType)
	}

	if !h.Type.HasSessionHeader() {
		return h, nil
	}

	if h.SessionToken, err = r.ReadToken(); err != nil {
		return h, fmt.Errorf("session token: %w", err)
	}
	if h.ConfigToken, err = r.ReadToken(); err != nil {
		return h, fmt.Errorf("config token: %w", err)
	}

	return h, nil
}

// HelloPayload HELLO 消息体
type HelloPayload struct {
	ProtocolVersion uint16
	Name            string
	SessionToken    Token
	ConfigToken     Token
}

// WriteHello 构造设备连接请求
func WriteHello(h HelloPayload) *Packet {
	p := NewPacket()
	p.WriteHeader(Hello)
	p.Write16(h.ProtocolVersion)
	p.WriteString(h.Name)
	p.WriteToken(h.SessionToken)
	p.WriteToken(h.ConfigToken)
	return p
}

// ReadHello 解析 HELLO 消息体（消息头之后）
func ReadHello(r *Reader) (HelloPayload, error) {
	var h HelloPayload
	var err error

	if h.ProtocolVersion, err = r.Read16(); err != nil {
		return h, fmt.Errorf("protocol version: %w", err)
	}
	if h.Name, err = r.ReadString(); err != nil {
		return h, fmt.Errorf("device name: %w", err)
	}
	if h.SessionToken, err = r.ReadToken(); err != nil {
		return h, fmt.Errorf("session token: %w", err)
	}
	if h.ConfigToken, err = r.ReadToken(); err != nil {
		return h, fmt.Errorf("config token: %w", err)
	}

	return h, nil
}
