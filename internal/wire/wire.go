// Package wire implements the fixed-width, big-endian integer framing used
// on every control and data channel in the tunnel protocol. There is no
// length-delimited envelope on the control channel: each command is a known
// number of big-endian uint32 fields, and the reader consumes exactly that
// many for the code it just read.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TCP-variant command codes (§4.2).
const (
	TCPHeartbeat      uint32 = 1
	TCPConnection     uint32 = 2 // fields: port
	TCPRegisterPort   uint32 = 3 // fields: port
	TCPUnregisterPort uint32 = 4 // fields: port
	TCPDataConnect    uint32 = 5 // fields: port (sent on the data channel, not control)
)

// QUIC-variant command codes. The QUIC control dialect renumbers
// REGISTER_PORT/UNREGISTER_PORT relative to the TCP dialect and adds
// CONNECTION_ACK; implementations must not mix the two tables.
const (
	QUICHeartbeat      uint32 = 1
	QUICRegisterPort   uint32 = 2 // fields: port
	QUICUnregisterPort uint32 = 3 // fields: port
	QUICConnection     uint32 = 4 // fields: stream_id, port, conn_id
	QUICConnectionAck  uint32 = 5 // fields: stream_id
)

// ReadUint32 reads one big-endian uint32 from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes v to w as a big-endian uint32.
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// TCPFrame is one decoded control-channel frame in the TCP dialect. Port is
// only meaningful for codes that carry it (CONNECTION, REGISTER_PORT,
// UNREGISTER_PORT); it is zero for HEARTBEAT.
type TCPFrame struct {
	Code uint32
	Port uint32
}

// ReadTCPFrame reads one frame from the TCP control dialect. It first reads
// the command code, then the fixed number of additional fields that code
// carries per §4.2. An unrecognized code is a framing error: the caller
// should close the channel rather than attempt to resynchronize, since there
// is no length prefix to skip by.
func ReadTCPFrame(r io.Reader) (TCPFrame, error) {
	code, err := ReadUint32(r)
	if err != nil {
		return TCPFrame{}, err
	}
	switch code {
	case TCPHeartbeat:
		return TCPFrame{Code: code}, nil
	case TCPConnection, TCPRegisterPort, TCPUnregisterPort, TCPDataConnect:
		port, err := ReadUint32(r)
		if err != nil {
			return TCPFrame{}, fmt.Errorf("wire: short read for code %d: %w", code, err)
		}
		return TCPFrame{Code: code, Port: port}, nil
	default:
		return TCPFrame{}, fmt.Errorf("wire: unknown TCP-dialect code %d", code)
	}
}

// WriteTCPFrame writes f to w using the TCP dialect.
func WriteTCPFrame(w io.Writer, f TCPFrame) error {
	if err := WriteUint32(w, f.Code); err != nil {
		return err
	}
	switch f.Code {
	case TCPHeartbeat:
		return nil
	case TCPConnection, TCPRegisterPort, TCPUnregisterPort, TCPDataConnect:
		return WriteUint32(w, f.Port)
	default:
		return fmt.Errorf("wire: unknown TCP-dialect code %d", f.Code)
	}
}

// QUICFrame is one decoded control-stream frame in the QUIC dialect.
type QUICFrame struct {
	Code     uint32
	Port     uint32
	StreamID uint32
	ConnID   uint32
}

// ReadQUICFrame reads one frame from the QUIC control dialect.
func ReadQUICFrame(r io.Reader) (QUICFrame, error) {
	code, err := ReadUint32(r)
	if err != nil {
		return QUICFrame{}, err
	}
	switch code {
	case QUICHeartbeat:
		return QUICFrame{Code: code}, nil
	case QUICRegisterPort, QUICUnregisterPort:
		port, err := ReadUint32(r)
		if err != nil {
			return QUICFrame{}, fmt.Errorf("wire: short read for code %d: %w", code, err)
		}
		return QUICFrame{Code: code, Port: port}, nil
	case QUICConnection:
		streamID, err := ReadUint32(r)
		if err != nil {
			return QUICFrame{}, fmt.Errorf("wire: short read for code %d: %w", code, err)
		}
		port, err := ReadUint32(r)
		if err != nil {
			return QUICFrame{}, fmt.Errorf("wire: short read for code %d: %w", code, err)
		}
		connID, err := ReadUint32(r)
		if err != nil {
			return QUICFrame{}, fmt.Errorf("wire: short read for code %d: %w", code, err)
		}
		return QUICFrame{Code: code, StreamID: streamID, Port: port, ConnID: connID}, nil
	case QUICConnectionAck:
		streamID, err := ReadUint32(r)
		if err != nil {
			return QUICFrame{}, fmt.Errorf("wire: short read for code %d: %w", code, err)
		}
		return QUICFrame{Code: code, StreamID: streamID}, nil
	default:
		return QUICFrame{}, fmt.Errorf("wire: unknown QUIC-dialect code %d", code)
	}
}

// WriteQUICFrame writes f to w using the QUIC dialect.
func WriteQUICFrame(w io.Writer, f QUICFrame) error {
	if err := WriteUint32(w, f.Code); err != nil {
		return err
	}
	switch f.Code {
	case QUICHeartbeat:
		return nil
	case QUICRegisterPort, QUICUnregisterPort:
		return WriteUint32(w, f.Port)
	case QUICConnection:
		if err := WriteUint32(w, f.StreamID); err != nil {
			return err
		}
		if err := WriteUint32(w, f.Port); err != nil {
			return err
		}
		return WriteUint32(w, f.ConnID)
	case QUICConnectionAck:
		return WriteUint32(w, f.StreamID)
	default:
		return fmt.Errorf("wire: unknown QUIC-dialect code %d", f.Code)
	}
}

// DataRecordHeaderLen is the size in bytes of a QUIC data-stream record
// header: a u32 length followed by a u32 conn_id.
const DataRecordHeaderLen = 8

// DataRecord is one decoded QUIC data-stream payload record:
// {len:u32, conn_id:u32, payload[len]}.
type DataRecord struct {
	ConnID  uint32
	Payload []byte
}

// WriteDataRecord encodes one data-stream record to w.
func WriteDataRecord(w io.Writer, connID uint32, payload []byte) error {
	if err := WriteUint32(w, uint32(len(payload))); err != nil {
		return err
	}
	if err := WriteUint32(w, connID); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Reassembler accumulates bytes from a QUIC data stream and decodes complete
// {len, conn_id, payload} records as they become available. It has a single
// producer (the stream's read loop) and a single consumer (Decode's caller);
// it is not safe for concurrent use from multiple goroutines.
type Reassembler struct {
	buf []byte
}

// Feed appends newly read bytes to the reassembly buffer.
func (r *Reassembler) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Decode extracts every complete record currently buffered, in order, and
// discards their bytes. An incomplete trailing record (header or payload
// not yet fully received) is left buffered for the next Feed.
func (r *Reassembler) Decode() []DataRecord {
	var records []DataRecord
	offset := 0
	for offset+DataRecordHeaderLen <= len(r.buf) {
		length := binary.BigEndian.Uint32(r.buf[offset : offset+4])
		connID := binary.BigEndian.Uint32(r.buf[offset+4 : offset+8])
		end := offset + DataRecordHeaderLen + int(length)
		if end > len(r.buf) {
			break
		}
		payload := make([]byte, length)
		copy(payload, r.buf[offset+DataRecordHeaderLen:end])
		records = append(records, DataRecord{ConnID: connID, Payload: payload})
		offset = end
	}
	r.buf = append([]byte(nil), r.buf[offset:]...)
	return records
}
