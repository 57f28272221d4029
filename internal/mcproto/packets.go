package mcproto

import "encoding/binary"

// Packet ids for the status flow.
const (
	packetIDHandshake     = 0x00
	packetIDStatusRequest = 0x00
	packetIDPing          = 0x01
	packetIDStatusReply   = 0x00
	packetIDPong          = 0x01
)

// DefaultProtocolVersion is the protocol number advertised in the handshake
// when the caller does not override it (1.21.4).
const DefaultProtocolVersion = 769

// nextStateStatus selects the status flow in the handshake.
const nextStateStatus = 1

// framePacket wraps a packet id + payload with the outer VarInt length
// prefix: VarInt(totalLen) · VarInt(packetID) · payload.
func framePacket(packetID uint32, payload []byte) []byte {
	total := uint32(VarIntLen(packetID) + len(payload))
	out := make([]byte, 0, VarIntLen(total)+int(total))
	out = AppendVarInt(out, total)
	out = AppendVarInt(out, packetID)
	return append(out, payload...)
}

// HandshakePacket builds the handshake packet that opens the status flow:
// VarInt(protocolVersion), VarInt(len(host)) + host bytes, UInt16BE(port),
// VarInt(1) for next state = status.
func HandshakePacket(protocolVersion int32, host string, port uint16) []byte {
	payload := make([]byte, 0, 5+5+len(host)+2+1)
	payload = AppendVarInt(payload, uint32(protocolVersion))
	payload = AppendVarInt(payload, uint32(len(host)))
	payload = append(payload, host...)
	payload = binary.BigEndian.AppendUint16(payload, port)
	payload = AppendVarInt(payload, nextStateStatus)
	return framePacket(packetIDHandshake, payload)
}

// StatusRequestPacket builds the empty status request packet.
func StatusRequestPacket() []byte {
	return framePacket(packetIDStatusRequest, nil)
}

// PingPacket builds a ping with the caller-supplied timestamp payload. The
// server echoes the same 8 bytes back in the pong.
func PingPacket(payload int64) []byte {
	body := binary.BigEndian.AppendUint64(nil, uint64(payload))
	return framePacket(packetIDPing, body)
}
