package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     Type
		variant byte
		payload []byte
	}{
		{"channel message with payload", TypeChannelMessage, 7, []byte("hello")},
		{"empty payload", TypeServerMessage, 0, []byte{}},
		{"nil payload", TypeRequest, VariantHandshakeName, nil},
		{"max variant nibble", TypePeerMessage, 0x0F, []byte("peer")},
		{"binary payload", TypeObjectMessage, 3, []byte{0x00, 0xFF, 0x01, 0xFE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := Encode(tt.typ, tt.variant, tt.payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			frame, n, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(encoded) {
				t.Errorf("Decode() consumed = %d, want %d", n, len(encoded))
			}
			if frame.Type != tt.typ {
				t.Errorf("Type = %v, want %v", frame.Type, tt.typ)
			}
			if frame.Variant != tt.variant {
				t.Errorf("Variant = %v, want %v", frame.Variant, tt.variant)
			}
			if !bytes.Equal(frame.Payload, tt.payload) && !(len(frame.Payload) == 0 && len(tt.payload) == 0) {
				t.Errorf("Payload = %v, want %v", frame.Payload, tt.payload)
			}
		})
	}
}

func TestDecodeShortFrameMeansKeepReading(t *testing.T) {
	t.Parallel()

	encoded, err := Encode(TypeChannelMessage, 1, []byte("hello world"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	for n := 0; n < len(encoded); n++ {
		_, _, err := Decode(encoded[:n])
		if err != ErrShortFrame {
			t.Errorf("Decode(%d bytes) error = %v, want ErrShortFrame", n, err)
		}
	}
}

func TestDecodeOversizedPayloadIsViolation(t *testing.T) {
	t.Parallel()

	buf := make([]byte, headerSize+lengthPrefixSize)
	buf[0] = TypeVariant(TypeServerMessage, 0)
	// Claim a length far larger than maxPayloadSize without supplying the bytes.
	buf[1], buf[2], buf[3], buf[4] = 0xFF, 0xFF, 0xFF, 0x7F

	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("Decode() expected an error for oversized claimed length")
	}
}

func TestDecodeTrailingBytesAreNotConsumed(t *testing.T) {
	t.Parallel()

	first, _ := Encode(TypeChannelMessage, 2, []byte("one"))
	second, _ := Encode(TypeChannelMessage, 3, []byte("two"))
	buf := append(append([]byte{}, first...), second...)

	frame, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(frame.Payload) != "one" {
		t.Errorf("Payload = %q, want %q", frame.Payload, "one")
	}

	frame2, _, err := Decode(buf[n:])
	if err != nil {
		t.Fatalf("Decode() second frame error = %v", err)
	}
	if string(frame2.Payload) != "two" {
		t.Errorf("second Payload = %q, want %q", frame2.Payload, "two")
	}
}

func TestTypeVariantRoundTrip(t *testing.T) {
	t.Parallel()

	for typ := Type(0); typ <= TypeImplementationRelated; typ++ {
		for variant := byte(0); variant < 16; variant++ {
			b := TypeVariant(typ, variant)
			gotType, gotVariant := SplitTypeVariant(b)
			if gotType != typ || gotVariant != variant {
				t.Errorf("SplitTypeVariant(TypeVariant(%v, %v)) = (%v, %v)", typ, variant, gotType, gotVariant)
			}
		}
	}
}

func TestDatagramEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		senderID uint16
		typ      Type
		variant  byte
		payload  []byte
	}{
		{"blasted channel message", 42, TypeChannelMessageBlasted, 7, []byte("hi")},
		{"blasted peer message zero id", 0, TypePeerMessageBlasted, 0, []byte{}},
		{"max sender id", 0xFFFF, TypeChannelMessageBlasted, 1, []byte("max")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded, err := EncodeDatagram(tt.senderID, tt.typ, tt.variant, tt.payload)
			if err != nil {
				t.Fatalf("EncodeDatagram() error = %v", err)
			}

			frame, err := DecodeDatagram(encoded)
			if err != nil {
				t.Fatalf("DecodeDatagram() error = %v", err)
			}
			if frame.SenderID != tt.senderID {
				t.Errorf("SenderID = %v, want %v", frame.SenderID, tt.senderID)
			}
			if frame.Type != tt.typ || frame.Variant != tt.variant {
				t.Errorf("Type/Variant = %v/%v, want %v/%v", frame.Type, frame.Variant, tt.typ, tt.variant)
			}
			if !bytes.Equal(frame.Payload, tt.payload) && !(len(frame.Payload) == 0 && len(tt.payload) == 0) {
				t.Errorf("Payload = %v, want %v", frame.Payload, tt.payload)
			}
		})
	}
}

func TestDecodeDatagramTruncated(t *testing.T) {
	t.Parallel()

	_, err := DecodeDatagram([]byte{0x01})
	if err != ErrTruncatedBlasted {
		t.Errorf("error = %v, want ErrTruncatedBlasted", err)
	}
}
