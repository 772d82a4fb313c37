package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/talus-io/talus/pkg/log"
	"github.com/talus-io/talus/pkg/types"
)

// guestCommsPort is the fixed port every guest bootstrap program dials on
// the libvirt bridge address to reach the guest-host comms listener.
const guestCommsPort = 55555

// guestKey identifies which VMHandler a guest connection belongs to.
type guestKey struct {
	job string
	idx int
}

// GuestListener accepts guest connections on the bridge address and
// demultiplexes framed messages to the VMHandler that owns (job, idx).
// One GuestListener serves every VM a Slave is currently running.
type GuestListener struct {
	ln net.Listener

	mu       sync.Mutex
	handlers map[guestKey]chan<- types.GuestMessage
}

// NewGuestListener binds the guest-comms TCP port on bridgeIP.
func NewGuestListener(bridgeIP net.IP) (*GuestListener, error) {
	addr := &net.TCPAddr{IP: bridgeIP, Port: guestCommsPort}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on guest comms port %s: %w", addr, err)
	}
	return &GuestListener{ln: ln, handlers: make(map[guestKey]chan<- types.GuestMessage)}, nil
}

// Register routes every message a guest sends for (job, idx) to ch. It
// must be called before that VM's domain is started, since the guest may
// connect immediately after boot.
func (g *GuestListener) Register(job string, idx int, ch chan<- types.GuestMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[guestKey{job, idx}] = ch
}

// Unregister stops routing messages for (job, idx), called once a
// VMHandler tears down its VM.
func (g *GuestListener) Unregister(job string, idx int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.handlers, guestKey{job, idx})
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled on its own goroutine since a single
// guest may open more than one framed message over its lifetime.
func (g *GuestListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		g.ln.Close()
	}()

	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept guest connection: %w", err)
		}
		go g.handleConn(conn)
	}
}

func (g *GuestListener) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Warn("guest comms connection read failed")
			}
			return
		}

		g.mu.Lock()
		ch, ok := g.handlers[guestKey{msg.Job, msg.Idx}]
		g.mu.Unlock()
		if !ok {
			log.Warn("guest message for unknown (job, idx), dropping")
			continue
		}
		ch <- msg
	}
}

// readFrame reads one big-endian u32 length-prefixed JSON GuestMessage
// frame.
func readFrame(conn net.Conn) (types.GuestMessage, error) {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return types.GuestMessage{}, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return types.GuestMessage{}, fmt.Errorf("read frame body: %w", err)
	}

	var msg types.GuestMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return types.GuestMessage{}, fmt.Errorf("decode frame body: %w", err)
	}
	return msg, nil
}

// writeFrame encodes msg as a big-endian u32 length-prefixed JSON frame.
// Unused by the worker today (guests only send, never receive framed
// messages) but kept alongside readFrame since they define one wire
// format and tests exercise both directions.
func writeFrame(w io.Writer, msg types.GuestMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame body: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (g *GuestListener) Close() error {
	return g.ln.Close()
}
