// Package ctrlproto implements the framed command stream that runs inside
// a charger's management tunnel (spec.md ยง4.5). Frames are fixed 8-byte
// headers followed by a type-dependent payload, little-endian on the wire.
//
// Validation on receive (any failure drops the connection, per spec.md):
// length >= 8 and equal to the observed frame length, magic == 0x1234,
// type in 0..=4.
package ctrlproto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Magic is the fixed header magic value.
const Magic = 0x1234

// HeaderLen is the fixed header size in bytes.
const HeaderLen = 8

// Type identifies a ControlFrame's payload shape.
type Type uint8

const (
	TypeManagementCommand Type = 0
	TypeAck               Type = 1
	TypeChargeLogMetadata Type = 2
	TypeRequestChargeLog  Type = 3
	TypeNack              Type = 4
)

func (t Type) valid() bool {
	return t <= TypeNack
}

func (t Type) String() string {
	switch t {
	case TypeManagementCommand:
		return "ManagementCommand"
	case TypeAck:
		return "Ack"
	case TypeChargeLogMetadata:
		return "ChargeLogMetadata"
	case TypeRequestChargeLog:
		return "RequestChargeLogSend"
	case TypeNack:
		return "Nack"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// CommandID distinguishes Connect from Disconnect within a
// ManagementCommand payload.
type CommandID uint8

const (
	CommandConnect CommandID = iota
	CommandDisconnect
)

// NackReason enumerates why a charger refused a management command.
type NackReason uint8

const (
	NackBusy NackReason = iota
	NackTooManyRequests
	NackOngoingRequest
)

func (r NackReason) valid() bool {
	return r <= NackOngoingRequest
}

// ManagementCommand asks the charger to open or close a remote connection.
type ManagementCommand struct {
	Command  CommandID
	ConnNo   int32
	ConnUUID uuid.UUID
}

// ChargeLogMetadata names a charge log file pending transfer to a browser.
type ChargeLogMetadata struct {
	UserUUID    uuid.UUID
	Lang        [2]byte
	Filename    string
	DisplayName string
}

// Nack carries the reason a ManagementCommand was refused.
type Nack struct {
	Reason NackReason
}

// Frame is the tagged union of everything that can cross the inner TCP
// control stream, plus the sequence number it was (or will be) framed
// with. SeqNumber is advisory: the receiver does not enforce ordering on
// it, it exists for diagnostics (spec.md is silent here; see DESIGN.md).
type Frame struct {
	SeqNumber uint16
	Type      Type

	Management ManagementCommand // valid iff Type == TypeManagementCommand
	ChargeLog  ChargeLogMetadata // valid iff Type == TypeChargeLogMetadata
	Nack       Nack              // valid iff Type == TypeNack
}

const protocolVersion = 1

// Encode serializes f into a new frame, including its 8-byte header.
func Encode(f Frame) ([]byte, error) {
	payload, err := encodePayload(f)
	if err != nil {
		return nil, err
	}

	total := HeaderLen + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	binary.LittleEndian.PutUint16(buf[4:6], f.SeqNumber)
	buf[6] = protocolVersion
	buf[7] = byte(f.Type)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

func encodePayload(f Frame) ([]byte, error) {
	switch f.Type {
	case TypeManagementCommand:
		buf := make([]byte, 1+4+16)
		buf[0] = byte(f.Management.Command)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(f.Management.ConnNo))
		putUUIDLE(buf[5:21], f.Management.ConnUUID)
		return buf, nil
	case TypeAck, TypeRequestChargeLog:
		return nil, nil
	case TypeChargeLogMetadata:
		filename := []byte(f.ChargeLog.Filename)
		displayName := []byte(f.ChargeLog.DisplayName)
		if len(filename) > 0xffff || len(displayName) > 0xffff {
			return nil, fmt.Errorf("ctrlproto: name too long")
		}
		buf := make([]byte, 0, 16+2+2+2+len(filename)+len(displayName))
		userUUID := make([]byte, 16)
		copy(userUUID, f.ChargeLog.UserUUID[:]) // UUID is already big-endian per RFC 4122
		buf = append(buf, userUUID...)
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint16(lenBuf[0:2], uint16(len(filename)))
		binary.LittleEndian.PutUint16(lenBuf[2:4], uint16(len(displayName)))
		buf = append(buf, lenBuf...)
		buf = append(buf, f.ChargeLog.Lang[:]...)
		buf = append(buf, filename...)
		buf = append(buf, displayName...)
		return buf, nil
	case TypeNack:
		return []byte{byte(f.Nack.Reason)}, nil
	default:
		return nil, fmt.Errorf("ctrlproto: unknown frame type %d", f.Type)
	}
}

// Parse validates and decodes a complete frame. b must be exactly one
// frame (callers read HeaderLen bytes first to learn the declared length,
// then read the remainder before calling Parse — see Reader).
func Parse(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: short header (%d bytes)", errPacketTooShort, len(b))
	}
	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != Magic {
		return Frame{}, fmt.Errorf("%w: bad magic 0x%04x", errBadMagic, magic)
	}
	length := binary.LittleEndian.Uint16(b[2:4])
	if int(length) < HeaderLen || int(length) != len(b) {
		return Frame{}, fmt.Errorf("%w: declared length %d, observed %d", errLengthMismatch, length, len(b))
	}
	seq := binary.LittleEndian.Uint16(b[4:6])
	typ := Type(b[7])
	if !typ.valid() {
		return Frame{}, fmt.Errorf("%w: type %d", errBadType, typ)
	}

	f := Frame{SeqNumber: seq, Type: typ}
	payload := b[HeaderLen:]

	switch typ {
	case TypeManagementCommand:
		if len(payload) < 1+4+16 {
			return Frame{}, fmt.Errorf("%w: management command payload", errPacketTooShort)
		}
		f.Management.Command = CommandID(payload[0])
		f.Management.ConnNo = int32(binary.LittleEndian.Uint32(payload[1:5]))
		f.Management.ConnUUID = uuidFromLE(payload[5:21])
	case TypeAck, TypeRequestChargeLog:
		// empty payload, nothing to decode.
	case TypeChargeLogMetadata:
		if len(payload) < 16+2+2+2 {
			return Frame{}, fmt.Errorf("%w: charge log header", errPacketTooShort)
		}
		copy(f.ChargeLog.UserUUID[:], payload[0:16])
		filenameLen := binary.LittleEndian.Uint16(payload[16:18])
		displayNameLen := binary.LittleEndian.Uint16(payload[18:20])
		copy(f.ChargeLog.Lang[:], payload[20:22])
		rest := payload[22:]
		need := int(filenameLen) + int(displayNameLen)
		if need > len(rest) {
			return Frame{}, fmt.Errorf("%w: filename+display_name exceed payload", errPacketTooShort)
		}
		// Longer-than-declared payloads are truncated silently (spec.md ยง4.5).
		f.ChargeLog.Filename = string(rest[:filenameLen])
		f.ChargeLog.DisplayName = string(rest[filenameLen : filenameLen+displayNameLen])
	case TypeNack:
		if len(payload) < 1 {
			return Frame{}, fmt.Errorf("%w: nack payload", errPacketTooShort)
		}
		reason := NackReason(payload[0])
		if !reason.valid() {
			return Frame{}, fmt.Errorf("%w: nack reason %d", errBadType, reason)
		}
		f.Nack.Reason = reason
	}

	return f, nil
}

func putUUIDLE(dst []byte, u uuid.UUID) {
	copy(dst, u[:])
}

func uuidFromLE(src []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], src)
	return u
}
