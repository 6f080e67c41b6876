package drivers

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Binary dialect: an 8-byte big-endian header, a payload, and a single
// additive checksum byte over header plus payload.
//
//	[0:2]  magic 0xAA55
//	[2:4]  command ID
//	[4]    data type
//	[5]    status
//	[6:8]  payload length
const (
	frameMagic = 0xAA55
	headerSize = 8
	maxPayload = 0xFFFF
)

// Command IDs understood by sensing payloads.
const (
	CmdProbe          uint16 = 0x0001
	CmdSetExposure    uint16 = 0x0010
	CmdCaptureFrame   uint16 = 0x0011
	CmdSetIntegration uint16 = 0x0020
	CmdReadSpectrum   uint16 = 0x0021
)

// Payload data types.
const (
	DataTypeNone     uint8 = 0x00
	DataTypeJPEG     uint8 = 0x01
	DataTypeSpectrum uint8 = 0x02
	DataTypeMillis   uint8 = 0x03
	DataTypeText     uint8 = 0x04
)

// Status codes.
const (
	StatusOK    uint8 = 0x00
	StatusBusy  uint8 = 0x01
	StatusError uint8 = 0x02
)

// Frame is one unit of the binary dialect.
type Frame struct {
	Command  uint16
	DataType uint8
	Status   uint8
	Payload  []byte
}

// EncodeFrame writes f onto w.
func EncodeFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrBadFrame, len(f.Payload), maxPayload)
	}

	buf := make([]byte, headerSize+len(f.Payload)+1)
	binary.BigEndian.PutUint16(buf[0:2], frameMagic)
	binary.BigEndian.PutUint16(buf[2:4], f.Command)
	buf[4] = f.DataType
	buf[5] = f.Status
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	buf[len(buf)-1] = checksum(buf[:len(buf)-1])

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads the next frame from r, verifying magic and
// checksum.
func DecodeFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	if magic := binary.BigEndian.Uint16(header[0:2]); magic != frameMagic {
		return Frame{}, fmt.Errorf("%w: magic 0x%04X", ErrBadFrame, magic)
	}

	length := int(binary.BigEndian.Uint16(header[6:8]))
	rest := make([]byte, length+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}

	sum := checksum(header, rest[:length])
	if sum != rest[length] {
		return Frame{}, fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrBadChecksum, rest[length], sum)
	}

	return Frame{
		Command:  binary.BigEndian.Uint16(header[2:4]),
		DataType: header[4],
		Status:   header[5],
		Payload:  rest[:length:length],
	}, nil
}

// checksum is the additive checksum of the concatenated chunks.
func checksum(chunks ...[]byte) uint8 {
	var sum uint8
	for _, chunk := range chunks {
		for _, b := range chunk {
			sum += b
		}
	}
	return sum
}
