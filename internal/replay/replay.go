// Package replay streams recorded side-channel payloads to a UDP endpoint,
// standing in for the radio when testing a collector.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"sidech-collector/internal/logging"
)

const DefaultBatch = 8

// Config describes where and how fast payloads are sent.
type Config struct {
	Dest  string  // host:port of the collector
	Rate  float64 // datagrams per second, <= 0 sends as fast as possible
	Batch int     // datagrams per system call
	TTL   int     // multicast TTL, ignored for unicast destinations
}

// Stats counts what a Send call put on the wire.
type Stats struct {
	Datagrams int
	Bytes     int64
}

// Streamer sends payloads as individual datagrams.
type Streamer struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	dst  *net.UDPAddr
	cfg  Config
	msg  logging.Logger
}

// Dial prepares a Streamer for cfg.Dest.
func Dial(cfg Config, msg logging.Logger) (*Streamer, error) {
	if msg == nil {
		msg = logging.Nop()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	dst, err := net.ResolveUDPAddr("udp4", cfg.Dest)
	if err != nil {
		return nil, fmt.Errorf("replay: invalid destination %q: %w", cfg.Dest, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("replay: failed to open socket: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if dst.IP.IsMulticast() && cfg.TTL > 0 {
		if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
			msg.Warn("failed to set multicast TTL", logging.F("ttl", cfg.TTL), logging.F("err", err))
		}
	}

	return &Streamer{conn: conn, pc: pc, dst: dst, cfg: cfg, msg: msg}, nil
}

// LocalAddr returns the source address datagrams are sent from.
func (s *Streamer) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Send writes every payload as one datagram, in order, pacing batches to
// the configured rate.
func (s *Streamer) Send(ctx context.Context, payloads [][]byte) (Stats, error) {
	var (
		stats Stats
		tick  <-chan time.Time
	)
	if s.cfg.Rate > 0 {
		every := time.Duration(float64(s.cfg.Batch) / s.cfg.Rate * float64(time.Second))
		if every <= 0 {
			every = time.Microsecond
		}
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}

	msgs := make([]ipv4.Message, 0, s.cfg.Batch)
	for beg := 0; beg < len(payloads); beg += s.cfg.Batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := min(beg+s.cfg.Batch, len(payloads))

		msgs = msgs[:0]
		for _, p := range payloads[beg:end] {
			msgs = append(msgs, ipv4.Message{Buffers: [][]byte{p}, Addr: s.dst})
		}
		for sent := 0; sent < len(msgs); {
			n, err := s.pc.WriteBatch(msgs[sent:], 0)
			if err != nil {
				return stats, fmt.Errorf("replay: failed to send datagram %d: %w", beg+sent, err)
			}
			if n == 0 {
				return stats, errors.New("replay: no datagram sent")
			}
			for _, m := range msgs[sent : sent+n] {
				stats.Datagrams++
				stats.Bytes += int64(len(m.Buffers[0]))
			}
			sent += n
		}

		if tick != nil && end < len(payloads) {
			select {
			case <-tick:
			case <-ctx.Done():
				return stats, ctx.Err()
			}
		}
	}
	s.msg.Debug("replay batch done", logging.F("datagrams", stats.Datagrams), logging.F("bytes", stats.Bytes))
	return stats, nil
}

func (s *Streamer) Close() error {
	return s.conn.Close()
}
