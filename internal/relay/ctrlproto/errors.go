package ctrlproto

import "errors"

// Frame validation errors (spec.md ยง4.5: any failure drops the connection).
var (
	errPacketTooShort = errors.New("ctrlproto: packet too short")
	errBadMagic       = errors.New("ctrlproto: bad magic")
	errBadType        = errors.New("ctrlproto: bad type")
	errLengthMismatch = errors.New("ctrlproto: length mismatch")
)

// IsPacketTooShort reports whether err is (or wraps) the PacketTooShort
// condition named in spec.md ยง4.5.
func IsPacketTooShort(err error) bool {
	return errors.Is(err, errPacketTooShort)
}
