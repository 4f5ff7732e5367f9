package framing

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Frame is an integrity-checked envelope: a magic prefix, a payload
// length, a request ID and a CRC32C checksum of the payload. The
// SpawnManager/spawn-helper link does not use it; that link exchanges the
// same plain array/scalar messages as the RPC socket, over a new
// connection per call.
const (
	// FrameHeaderSize is 2 (magic) + 4 (length) + 8 (request ID) + 4 (CRC32C).
	FrameHeaderSize = 18

	MagicByte1 = 0x50 // 'P'
	MagicByte2 = 0x43 // 'C' -- "PC" for poolcore
)

type FrameHeader struct {
	Magic     [2]byte
	Length    uint32
	RequestID uint64
	CRC32C    uint32
}

type Frame struct {
	Header  FrameHeader
	Payload []byte
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// NewFrame builds a frame around payload, stamping its checksum and length.
func NewFrame(requestID uint64, payload []byte) *Frame {
	f := &Frame{
		Header: FrameHeader{
			Magic:     [2]byte{MagicByte1, MagicByte2},
			RequestID: requestID,
		},
		Payload: payload,
	}
	f.UpdateChecksum()
	return f
}

// Marshal serializes the frame to its wire form.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, f.Header.Length)
	buf[0] = f.Header.Magic[0]
	buf[1] = f.Header.Magic[1]
	binary.BigEndian.PutUint32(buf[2:6], f.Header.Length)
	binary.BigEndian.PutUint64(buf[6:14], f.Header.RequestID)
	binary.BigEndian.PutUint32(buf[14:18], f.Header.CRC32C)
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// UnmarshalFrame parses and validates a complete frame, verifying the
// magic bytes, the declared length, and the CRC32C checksum.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("framing: frame too short: %d bytes", len(data))
	}
	if data[0] != MagicByte1 || data[1] != MagicByte2 {
		return nil, fmt.Errorf("%w: invalid magic bytes %02x%02x", ErrProtocol, data[0], data[1])
	}

	header := FrameHeader{
		Magic:     [2]byte{data[0], data[1]},
		Length:    binary.BigEndian.Uint32(data[2:6]),
		RequestID: binary.BigEndian.Uint64(data[6:14]),
		CRC32C:    binary.BigEndian.Uint32(data[14:18]),
	}
	if int(header.Length) != len(data) {
		return nil, fmt.Errorf("framing: frame length mismatch: header says %d, got %d", header.Length, len(data))
	}

	payload := data[FrameHeaderSize:]
	if got := crc32.Checksum(payload, crc32cTable); got != header.CRC32C {
		return nil, fmt.Errorf("framing: CRC32C mismatch: expected %08x, got %08x", header.CRC32C, got)
	}

	return &Frame{Header: header, Payload: payload}, nil
}

// ValidateChecksum reports whether the frame's stored CRC32C matches its payload.
func (f *Frame) ValidateChecksum() bool {
	return crc32.Checksum(f.Payload, crc32cTable) == f.Header.CRC32C
}

// UpdateChecksum recomputes CRC32C and Length from the current payload.
func (f *Frame) UpdateChecksum() {
	f.Header.CRC32C = crc32.Checksum(f.Payload, crc32cTable)
	f.Header.Length = uint32(FrameHeaderSize + len(f.Payload))
}
