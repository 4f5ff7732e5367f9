package framing

import (
	"bytes"
	"io"
	"testing"
)

func TestArrayMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		elems []string
	}{
		{name: "empty array", elems: nil},
		{name: "single element", elems: []string{"get"}},
		{name: "multi element", elems: []string{"spawn_application", "app_root", "/srv/app"}},
		{name: "elements with spaces and unicode", elems: []string{"café", "a b c", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteArrayMessage(&buf, nil, tt.elems...); err != nil {
				t.Fatalf("WriteArrayMessage: %v", err)
			}

			got, err := ReadArrayMessage(&buf, nil)
			if err != nil {
				t.Fatalf("ReadArrayMessage: %v", err)
			}

			if len(got) != len(tt.elems) {
				t.Fatalf("length mismatch: got %d, want %d (%v)", len(got), len(tt.elems), got)
			}
			for i := range tt.elems {
				if got[i] != tt.elems[i] {
					t.Errorf("element %d: got %q, want %q", i, got[i], tt.elems[i])
				}
			}
		})
	}
}

func TestArrayMessage_RejectsNULInElement(t *testing.T) {
	var buf bytes.Buffer
	err := WriteArrayMessage(&buf, nil, "bad\x00value")
	if err == nil {
		t.Fatal("expected error for NUL byte in element")
	}
}

func TestArrayMessage_EOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	_, err := ReadArrayMessage(&buf, nil)
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestScalarMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: []byte{}},
		{name: "small", data: []byte("hello world")},
		{name: "binary", data: []byte{0x00, 0xff, 0x10, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewScalarWriter(&buf)
			if err := w.WriteScalarMessage(tt.data, nil); err != nil {
				t.Fatalf("WriteScalarMessage: %v", err)
			}

			r := NewScalarReader(&buf, 0)
			got, err := r.ReadScalarMessage(nil)
			if err != nil {
				t.Fatalf("ReadScalarMessage: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("got %v, want %v", got, tt.data)
			}
		})
	}
}

func TestScalarMessage_CapEnforcedBeforeBodyRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewScalarWriter(&buf)
	large := bytes.Repeat([]byte("x"), 1000)
	if err := w.WriteScalarMessage(large, nil); err != nil {
		t.Fatalf("WriteScalarMessage: %v", err)
	}

	// Truncate the buffer to only contain the header plus a few body
	// bytes: if the cap is enforced before reading the full body, this
	// must still surface ErrMessageTooLarge rather than an EOF from a
	// short read.
	headerAndPrefix := buf.Bytes()[:4+10]
	r := NewScalarReader(bytes.NewBuffer(headerAndPrefix), 100)

	_, err := r.ReadScalarMessage(nil)
	if err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	payload := []byte(`{"method":"spawn_application"}`)
	f := NewFrame(42, payload)

	data := f.Marshal()
	parsed, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if parsed.Header.RequestID != 42 {
		t.Errorf("RequestID: got %d, want 42", parsed.Header.RequestID)
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Errorf("payload mismatch")
	}
	if !parsed.ValidateChecksum() {
		t.Error("checksum should validate")
	}
}

func TestFrame_DetectsCorruption(t *testing.T) {
	f := NewFrame(1, []byte("hello"))
	data := f.Marshal()
	data[len(data)-1] ^= 0xFF // flip a payload byte

	_, err := UnmarshalFrame(data)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
