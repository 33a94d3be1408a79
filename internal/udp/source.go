// Package udp implements the socket source of side-channel datagrams.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"sidech-collector/internal/logging"
)

const (
	DefaultAddress            = "192.168.10.1"
	DefaultPort               = 4000
	DefaultReceiveBufferBytes = 1 << 23
	DefaultMaxDMASymbols      = 8192

	dmaSymbolBytes = 8
)

// Config describes the local endpoint to listen on.
type Config struct {
	Address            string
	Port               int
	ReceiveBufferBytes int
	MaxDMASymbols      int
}

// DefaultConfig returns the endpoint used by the openwifi side channel.
func DefaultConfig() Config {
	return Config{
		Address:            DefaultAddress,
		Port:               DefaultPort,
		ReceiveBufferBytes: DefaultReceiveBufferBytes,
		MaxDMASymbols:      DefaultMaxDMASymbols,
	}
}

// BindError reports a failure to create or bind the socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("udp: failed to create or bind socket on %s: %v (check firewall settings and that no other process holds the port)", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Status is the outcome of one receive.
type Status int

const (
	OK          Status = iota
	Timeout            // no datagram within the wait time
	Interrupted        // receive cancelled by the context
	Fault              // any other I/O failure
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	case Fault:
		return "fault"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Result is the outcome of Receive. Data is set only with OK, Err only
// with Fault or Interrupted.
type Result struct {
	Status Status
	Data   []byte
	Err    error
}

// Source is a bound UDP socket delivering side-channel datagrams.
type Source struct {
	conn *net.UDPConn
	msg  logging.Logger
	buf  []byte

	first  atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

// Bind opens a UDP socket on cfg.Address:cfg.Port with the requested
// receive buffer size.
func Bind(ctx context.Context, cfg Config, msg logging.Logger) (*Source, error) {
	if msg == nil {
		msg = logging.Nop()
	}
	if cfg.MaxDMASymbols <= 0 {
		cfg.MaxDMASymbols = DefaultMaxDMASymbols
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
				if cfg.ReceiveBufferBytes > 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBufferBytes); err != nil {
						sockErr = fmt.Errorf("failed to set SO_RCVBUF: %w", err)
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, &BindError{Addr: addr, Err: fmt.Errorf("unexpected packet conn %T", pc)}
	}

	msg.Info("listening for side-channel datagrams",
		logging.F("addr", conn.LocalAddr().String()),
		logging.F("rcvbuf", cfg.ReceiveBufferBytes),
	)

	return &Source{
		conn: conn,
		msg:  msg,
		buf:  make([]byte, cfg.MaxDMASymbols*dmaSymbolBytes),
	}, nil
}

// Addr returns the bound local address.
func (s *Source) Addr() net.Addr { return s.conn.LocalAddr() }

// Receive waits up to maxWait for one datagram. A non-positive maxWait
// waits until a datagram arrives or ctx is done.
// Receive must not be called concurrently.
func (s *Source) Receive(ctx context.Context, maxWait time.Duration) Result {
	if s.closed.Load() {
		return Result{Status: Fault, Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return Result{Status: Interrupted, Err: err}
	}

	var deadline time.Time
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Result{Status: Fault, Err: fmt.Errorf("failed to set read deadline: %w", err)}
	}

	// unblock the read as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, _, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{Status: Interrupted, Err: ctx.Err()}
		case errors.Is(err, os.ErrDeadlineExceeded):
			return Result{Status: Timeout}
		default:
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return Result{Status: Timeout}
			}
			return Result{Status: Fault, Err: err}
		}
	}

	if s.first.CompareAndSwap(false, true) {
		s.msg.Info("first transaction received (silent until end)",
			logging.F("time", time.Now().Format("2006-01-02_15-04-05")),
			logging.F("bytes", n),
		)
	}

	data := make([]byte, n)
	copy(data, s.buf[:n])
	return Result{Status: OK, Data: data}
}

// Close closes the socket. It is safe to call Close more than once.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}
