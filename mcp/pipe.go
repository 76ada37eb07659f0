package mcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/mcpkit/corekit/internal/jsonrpc"
)

// NewPipeTransports returns two Transports connected to each other over an
// in-process pipe, framed as newline-delimited JSON. Used for tests and for
// embedding a client and server in the same process.
func NewPipeTransports() (Transport, Transport) {
	c1, c2 := net.Pipe()
	return &pipeTransport{rwc: c1}, &pipeTransport{rwc: c2}
}

type pipeTransport struct {
	hooks
	rwc       io.ReadWriteCloser
	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

func (t *pipeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return &TransportAlreadyStartedError{Transport: "pipe"}
	}
	t.started = true
	t.mu.Unlock()
	go t.readLoop()
	return nil
}

func (t *pipeTransport) readLoop() {
	scanner := bufio.NewScanner(t.rwc)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.Decode(append([]byte(nil), line...))
		if err != nil {
			t.fail(err)
			continue
		}
		t.deliver(msg)
	}
	if err := scanner.Err(); err != nil {
		t.fail(err)
	}
	t.fireClose()
}

func (t *pipeTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return &TransportSendError{Transport: "pipe", Err: err}
	}
	data = append(data, '\n')
	if _, err := t.rwc.Write(data); err != nil {
		return &TransportSendError{Transport: "pipe", Err: err}
	}
	return nil
}

func (t *pipeTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.rwc.Close()
	})
	return err
}
