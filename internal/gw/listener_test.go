package gw

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/ids"
)

type capturingHandler struct {
	mu     sync.Mutex
	events []*Event
}

func (h *capturingHandler) HandleGatewayEvent(ctx context.Context, ev *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *capturingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func buildPullData(token uint16, eui ids.Eui) []byte {
	buf := make([]byte, 12)
	buf[0] = ProtocolVersion
	binary.LittleEndian.PutUint16(buf[1:3], token)
	buf[3] = byte(PullData)
	b := eui.Bytes()
	copy(buf[4:12], b[:])
	return buf
}

func TestListenerAcksPullDataAndRemembersAddress(t *testing.T) {
	h := &capturingHandler{}
	log := logrus.NewEntry(logrus.New())
	l, err := NewListener("127.0.0.1:0", h, log)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	l.Start()
	defer l.Stop()

	clientConn, err := net.DialUDP("udp", nil, l.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	eui, _ := ids.ParseEui("AABBCCDDEEFF0011")
	if _, err := clientConn.Write(buildPullData(0x1234, eui)); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := make([]byte, 64)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := clientConn.Read(ack)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if n != 4 || PacketID(ack[3]) != PullAck {
		t.Fatalf("expected 4-byte PULL_ACK, got % x", ack[:n])
	}

	deadline := time.Now().Add(time.Second)
	for h.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.count() != 1 {
		t.Fatalf("expected handler to observe 1 event, got %d", h.count())
	}

	l.mu.Lock()
	_, known := l.gateways[eui]
	l.mu.Unlock()
	if !known {
		t.Fatal("expected gateway address to be remembered after PULL_DATA")
	}
}

func TestSendDownFailsForUnknownGateway(t *testing.T) {
	h := &capturingHandler{}
	log := logrus.NewEntry(logrus.New())
	l, err := NewListener("127.0.0.1:0", h, log)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	l.Start()
	defer l.Stop()

	eui, _ := ids.ParseEui("0000000000000001")
	if err := l.SendDown(context.Background(), eui, TXPK{}); err == nil {
		t.Fatal("expected error for gateway with no known address")
	}
}
