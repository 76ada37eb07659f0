package mcp

import (
	"path/filepath"
	"testing"
)

func TestNewRotatingWireLoggerWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wire.log")
	w := NewRotatingWireLogger(path, 1, 1, 1)
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestConnectionOptionsLogSendRecvNoopWhenNilLogger(t *testing.T) {
	var opts *ConnectionOptions
	opts.logSend(nil)
	opts.logRecv(nil)

	opts = &ConnectionOptions{}
	opts.logSend(nil)
	opts.logRecv(nil)
}
