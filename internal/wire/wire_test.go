package wire_test

import (
	"bytes"
	"testing"

	"github.com/relaytun/tunnel/internal/wire"
)

func TestTCPFrameRoundTrip(t *testing.T) {
	cases := []wire.TCPFrame{
		{Code: wire.TCPHeartbeat},
		{Code: wire.TCPConnection, Port: 22},
		{Code: wire.TCPRegisterPort, Port: 8080},
		{Code: wire.TCPUnregisterPort, Port: 8080},
		{Code: wire.TCPDataConnect, Port: 22},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := wire.WriteTCPFrame(&buf, want); err != nil {
			t.Fatalf("WriteTCPFrame(%+v): %v", want, err)
		}
		got, err := wire.ReadTCPFrame(&buf)
		if err != nil {
			t.Fatalf("ReadTCPFrame: %v", err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestReadTCPFrameUnknownCode(t *testing.T) {
	var buf bytes.Buffer
	_ = wire.WriteUint32(&buf, 99)
	if _, err := wire.ReadTCPFrame(&buf); err == nil {
		t.Fatal("expected error for unknown code, got nil")
	}
}

func TestQUICFrameRoundTrip(t *testing.T) {
	cases := []wire.QUICFrame{
		{Code: wire.QUICHeartbeat},
		{Code: wire.QUICRegisterPort, Port: 22},
		{Code: wire.QUICUnregisterPort, Port: 22},
		{Code: wire.QUICConnection, StreamID: 5, Port: 22, ConnID: 1},
		{Code: wire.QUICConnectionAck, StreamID: 5},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := wire.WriteQUICFrame(&buf, want); err != nil {
			t.Fatalf("WriteQUICFrame(%+v): %v", want, err)
		}
		got, err := wire.ReadQUICFrame(&buf)
		if err != nil {
			t.Fatalf("ReadQUICFrame: %v", err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestReassemblerSingleRecord(t *testing.T) {
	var buf bytes.Buffer
	if err := wire.WriteDataRecord(&buf, 7, []byte("hello")); err != nil {
		t.Fatalf("WriteDataRecord: %v", err)
	}

	var r wire.Reassembler
	r.Feed(buf.Bytes())
	records := r.Decode()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ConnID != 7 || string(records[0].Payload) != "hello" {
		t.Errorf("got %+v", records[0])
	}
}

func TestReassemblerPartialFrame(t *testing.T) {
	var full bytes.Buffer
	if err := wire.WriteDataRecord(&full, 1, []byte("0123456789")); err != nil {
		t.Fatalf("WriteDataRecord: %v", err)
	}
	raw := full.Bytes()

	var r wire.Reassembler
	// Feed the header and part of the payload only.
	r.Feed(raw[:wire.DataRecordHeaderLen+3])
	if got := r.Decode(); len(got) != 0 {
		t.Fatalf("expected no complete records yet, got %d", len(got))
	}

	// Feed the rest; the record should now decode.
	r.Feed(raw[wire.DataRecordHeaderLen+3:])
	got := r.Decode()
	if len(got) != 1 || string(got[0].Payload) != "0123456789" {
		t.Fatalf("got %+v", got)
	}
}

func TestReassemblerMultipleRecordsOneFeed(t *testing.T) {
	var buf bytes.Buffer
	_ = wire.WriteDataRecord(&buf, 1, []byte("aa"))
	_ = wire.WriteDataRecord(&buf, 2, []byte("bbb"))

	var r wire.Reassembler
	r.Feed(buf.Bytes())
	got := r.Decode()
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ConnID != 1 || string(got[0].Payload) != "aa" {
		t.Errorf("record 0 = %+v", got[0])
	}
	if got[1].ConnID != 2 || string(got[1].Payload) != "bbb" {
		t.Errorf("record 1 = %+v", got[1])
	}
}
