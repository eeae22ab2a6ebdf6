package gw

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/snapemu/lora-server/internal/ids"
)

// Handler processes one parsed datagram. The listener acks PUSH_DATA and
// PULL_DATA itself; Handler only sees the payload that needs routing to the
// Join Engine, Uplink Pipeline, or gateway-state bookkeeping.
type Handler interface {
	HandleGatewayEvent(ctx context.Context, ev *Event)
}

// Listener owns the UDP socket the Semtech Packet-Forwarder protocol runs
// over: one receiveLoop goroutine parses inbound datagrams and acks them,
// remembering each gateway's source address so downlinks (which the gateway
// never initiates) can still be routed back over the same socket.
type Listener struct {
	conn    *net.UDPConn
	handler Handler
	log     *logrus.Entry

	mu       sync.Mutex
	gateways map[ids.Eui]*net.UDPAddr

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewListener binds addr (e.g. ":1700") and returns an unstarted Listener.
func NewListener(addr string, handler Handler, log *logrus.Entry) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "gw: resolve listen address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "gw: bind udp socket")
	}
	return &Listener{
		conn:     conn,
		handler:  handler,
		log:      log,
		gateways: make(map[ids.Eui]*net.UDPAddr),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the receive loop. Safe to call once.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.receiveLoop()
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *Listener) Stop() error {
	l.once.Do(func() { close(l.stopCh) })
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-l.stopCh:
				return
			default:
				l.log.WithError(err).Warn("gw: udp read failed")
				continue
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.handleDatagram(raw, remote)
	}
}

func (l *Listener) handleDatagram(raw []byte, remote *net.UDPAddr) {
	ev, err := ParseDatagram(raw, remote.IP.String())
	if err != nil {
		l.log.WithError(err).WithField("remote", remote.String()).Warn("gw: malformed datagram")
		return
	}

	l.mu.Lock()
	l.gateways[ev.EUI] = remote
	l.mu.Unlock()

	switch ev.Kind {
	case EventPushData, EventStatus:
		if _, err := l.conn.WriteToUDP(BuildPushAck(ev.Version, ev.Token), remote); err != nil {
			l.log.WithError(err).Warn("gw: push_ack send failed")
		}
	case EventPull:
		if _, err := l.conn.WriteToUDP(BuildPullAck(ev.Version, ev.Token), remote); err != nil {
			l.log.WithError(err).Warn("gw: pull_ack send failed")
		}
	}

	l.handler.HandleGatewayEvent(context.Background(), ev)
}

// SendDown satisfies downlink.Transport: it looks up the gateway's last known
// source address and writes a PULL_RESP datagram to it. A gateway that has
// never sent a PULL_DATA (so its address is unknown) cannot be reached.
func (l *Listener) SendDown(ctx context.Context, gateway ids.Eui, txpk TXPK) error {
	l.mu.Lock()
	addr, ok := l.gateways[gateway]
	l.mu.Unlock()
	if !ok {
		return errors.Errorf("gw: no known address for gateway %s", gateway)
	}

	token := uint16(time.Now().UnixNano())
	frame, err := BuildDown(ProtocolVersion, token, txpk)
	if err != nil {
		return err
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		l.conn.SetWriteDeadline(deadline)
	} else {
		l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}

	if _, err := l.conn.WriteToUDP(frame, addr); err != nil {
		return errors.Wrapf(err, "gw: send pull_resp to %s", gateway)
	}
	return nil
}
