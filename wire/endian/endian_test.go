package endian

import (
	"bytes"
	"testing"
)

func TestBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint8(&buf, 2); err != nil {
		t.Fatal(err)
	}
	if err := WriteBytes(&buf, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	op, err := ReadUint8(&buf)
	if err != nil || op != 2 {
		t.Fatalf("opcode = %d, err = %v", op, err)
	}
	p, err := ReadBytes(&buf)
	if err != nil || string(p) != "hello" {
		t.Fatalf("payload = %q, err = %v", p, err)
	}
}

func TestReadBytesRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteUint32(&buf, MaxPayload+1)
	if _, err := ReadBytes(&buf); err == nil {
		t.Fatal("expect error")
	}
}

func TestReadBytesShort(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteUint32(&buf, 10)
	buf.WriteString("abc")
	if _, err := ReadBytes(&buf); err == nil {
		t.Fatal("expect error on truncated payload")
	}
}
