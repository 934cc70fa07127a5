package dcclite

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 协议常量
const (
	// PacketID 每个数据报开头的魔数
	PacketID uint32 = 0xBEEFFADA

	// MaxPacketSize 设备端缓冲区大小，广播包不得超过此长度
	MaxPacketSize = 64

	// HeaderSize magic + 消息类型
	HeaderSize = 4 + 1

	// TokenSize SessionToken / ConfigToken 长度
	TokenSize = 16

	// SessionHeaderSize 除 HELLO 外所有消息的头长度
	SessionHeaderSize = HeaderSize + TokenSize*2

	// MaxDeviceNameLength HELLO 中设备名的最大长度
	MaxDeviceNameLength = MaxPacketSize - HeaderSize - 2 - 1 - TokenSize*2

	// ProtocolVersion 当前协议版本
	ProtocolVersion uint16 = 7

	// ProtocolVersionMsDelays 从此版本起传感器延时以毫秒传输
	ProtocolVersionMsDelays uint16 = 7
)

// 会话时间常量
const (
	// Timeout 设备无流量超过该时间即视为离线
	Timeout = 10 * time.Second

	// ConfigRetryTime 配置包重传间隔
	ConfigRetryTime = 300 * time.Millisecond

	// MaxConfigRetryBurst 每次重传最多补发的 CONFIG_DEV 数量
	MaxConfigRetryBurst = 3
)

// MsgType 消息类型，序号必须与固件一致
type MsgType uint8

const (
	Hello MsgType = iota
	Accepted
	ConfigStart
	ConfigDev
	ConfigFinished
	MsgPing
	MsgPong

	numMsgTypes
)

var msgTypeNames = [...]string{
	Hello:          "HELLO",
	Accepted:       "ACCEPTED",
	ConfigStart:    "CONFIG_START",
	ConfigDev:      "CONFIG_DEV",
	ConfigFinished: "CONFIG_FINISHED",
	MsgPing:        "MSG_PING",
	MsgPong:        "MSG_PONG",
}

// Valid reports whether t is a known message type
func (t MsgType) Valid() bool {
	return t < numMsgTypes
}

// String returns the firmware name of the message type
func (t MsgType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("MSG_%d", uint8(t))
	}
	return msgTypeNames[t]
}

// HasSessionHeader reports whether the message carries session and config tokens
func (t MsgType) HasSessionHeader() bool {
	return t != Hello
}

// Token 128 位不透明标识，只做相等比较
type Token [TokenSize]byte

// NullToken 离线会话使用的空令牌
var NullToken Token

// NewSessionToken 生成新的随机会话令牌
func NewSessionToken() Token {
	return Token(uuid.New())
}

// TokenFromData derives a stable token from data under the given namespace
func TokenFromData(space uuid.UUID, data []byte) Token {
	return Token(uuid.NewSHA1(space, data))
}

// IsNull reports whether the token is all zeroes
func (t Token) IsNull() bool {
	return t == NullToken
}

// String returns hex string representation
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// MarshalJSON implements json.Marshaler
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Token) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != TokenSize {
		return fmt.Errorf("invalid token length")
	}

	copy(t[:], b)
	return nil
}

// IsLegacy reports whether a device running version uses second-granularity delays
func IsLegacy(version uint16) bool {
	return version < ProtocolVersionMsDelays
}
