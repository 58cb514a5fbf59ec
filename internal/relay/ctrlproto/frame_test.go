package ctrlproto

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame Frame
	}{
		{
			name: "management connect",
			frame: Frame{
				SeqNumber: 7,
				Type:      TypeManagementCommand,
				Management: ManagementCommand{
					Command:  CommandConnect,
					ConnNo:   42,
					ConnUUID: uuid.New(),
				},
			},
		},
		{
			name: "management disconnect",
			frame: Frame{
				SeqNumber: 8,
				Type:      TypeManagementCommand,
				Management: ManagementCommand{
					Command:  CommandDisconnect,
					ConnNo:   -1,
					ConnUUID: uuid.New(),
				},
			},
		},
		{
			name:  "ack",
			frame: Frame{SeqNumber: 1, Type: TypeAck},
		},
		{
			name:  "request charge log send",
			frame: Frame{SeqNumber: 2, Type: TypeRequestChargeLog},
		},
		{
			name: "nack busy",
			frame: Frame{
				SeqNumber: 3,
				Type:      TypeNack,
				Nack:      Nack{Reason: NackBusy},
			},
		},
		{
			name: "charge log metadata",
			frame: Frame{
				SeqNumber: 4,
				Type:      TypeChargeLogMetadata,
				ChargeLog: ChargeLogMetadata{
					UserUUID:    uuid.New(),
					Lang:        [2]byte{'e', 'n'},
					Filename:    "session-2024-05-01.csv",
					DisplayName: "May 1st charge",
				},
			},
		},
		{
			name: "charge log metadata empty names",
			frame: Frame{
				SeqNumber: 5,
				Type:      TypeChargeLogMetadata,
				ChargeLog: ChargeLogMetadata{
					UserUUID: uuid.New(),
					Lang:     [2]byte{'d', 'e'},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			encoded, err := Encode(tc.frame)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			decoded, err := Parse(encoded)
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if decoded != tc.frame {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", decoded, tc.frame)
			}
		})
	}
}

func TestParse_PrefixProperty(t *testing.T) {
	t.Parallel()

	f := Frame{
		SeqNumber: 99,
		Type:      TypeManagementCommand,
		Management: ManagementCommand{
			Command:  CommandConnect,
			ConnNo:   1,
			ConnUUID: uuid.New(),
		},
	}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	// Append trailing garbage that starts with a valid header but should
	// not affect re-encoding a successfully parsed prefix frame.
	withTrailer := append(append([]byte{}, encoded...), []byte{0xff, 0xff, 0xff}...)

	decoded, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	reencoded, err := Encode(decoded)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !bytes.Equal(reencoded, withTrailer[:len(reencoded)]) {
		t.Errorf("encode(parse(b)) is not a prefix of b")
	}
}

func TestParse_BadMagic(t *testing.T) {
	t.Parallel()

	buf := []byte{0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 1, byte(TypeAck)}
	if _, err := Parse(buf); err == nil {
		t.Fatal("Parse() with bad magic: want error, got nil")
	}
}

func TestParse_BadType(t *testing.T) {
	t.Parallel()

	buf := make([]byte, HeaderLen)
	buf[0], buf[1] = 0x34, 0x12
	buf[2], buf[3] = 0x08, 0x00
	buf[7] = 99
	if _, err := Parse(buf); err == nil {
		t.Fatal("Parse() with bad type: want error, got nil")
	}
}

func TestParse_LengthMismatch(t *testing.T) {
	t.Parallel()

	f := Frame{SeqNumber: 1, Type: TypeNack, Nack: Nack{Reason: NackBusy}}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	truncated := encoded[:len(encoded)-1]
	if len(truncated) >= HeaderLen {
		if _, err := Parse(truncated); err == nil {
			t.Fatal("Parse() with truncated body: want error, got nil")
		}
	}
}

func TestParse_ShortHeader(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte{1, 2, 3}); err == nil {
		t.Fatal("Parse() with short header: want error, got nil")
	}
}

func TestParse_ChargeLogMetadata_DeclaredLongerThanPayload(t *testing.T) {
	t.Parallel()

	f := Frame{
		Type: TypeChargeLogMetadata,
		ChargeLog: ChargeLogMetadata{
			Filename:    "a",
			DisplayName: "b",
		},
	}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	// Corrupt the filename_len field to claim more bytes than are present,
	// without updating the frame's total length field.
	encoded[HeaderLen+16] = 0xff
	encoded[HeaderLen+17] = 0xff
	if _, err := Parse(encoded); !IsPacketTooShort(err) {
		t.Fatalf("Parse() with overclaimed name length: got %v, want PacketTooShort", err)
	}
}

func TestParse_ChargeLogMetadata_PayloadLongerThanDeclared_TruncatesSilently(t *testing.T) {
	t.Parallel()

	f := Frame{
		Type: TypeChargeLogMetadata,
		ChargeLog: ChargeLogMetadata{
			UserUUID:    uuid.New(),
			Filename:    "short.csv",
			DisplayName: "Short",
		},
	}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	// Append extra trailing bytes but leave the declared lengths untouched;
	// the frame's total length field must grow to stay self-consistent,
	// simulating a sender that appended padding after a valid frame.
	padded := append(append([]byte{}, encoded...), []byte{0xde, 0xad, 0xbe, 0xef}...)
	binaryPutLength(padded, uint16(len(padded)))

	decoded, err := Parse(padded)
	if err != nil {
		t.Fatalf("Parse() with trailing padding: error %v", err)
	}
	if decoded.ChargeLog.Filename != "short.csv" || decoded.ChargeLog.DisplayName != "Short" {
		t.Errorf("decoded charge log = %+v, want unchanged names", decoded.ChargeLog)
	}
}

func binaryPutLength(buf []byte, length uint16) {
	buf[2] = byte(length)
	buf[3] = byte(length >> 8)
}
