package mold

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
)

// Sender writes packets to a primary UDP endpoint and, optionally, a
// secondary. Each packet is written to the primary and then, in the same
// call, to the secondary. A failed secondary write is counted and logged
// and does not fail the send; a secondary write that blocks delays the
// caller, and with it the next primary write.
type Sender struct {
	primary   *net.UDPConn
	secondary *net.UDPConn
	logger    *slog.Logger

	packets        prometheus.Counter
	primaryErrors  prometheus.Counter
	secondaryDrops prometheus.Counter
}

// NewSender resolves and connects the outgoing sockets. secondaryAddr
// may be empty.
func NewSender(primaryAddr, secondaryAddr string, reg prometheus.Registerer, logger *slog.Logger) (*Sender, error) {
	s := &Sender{
		logger: logger.With("component", "mold-sender"),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mold_packets_sent_total", Help: "MoldUDP64 packets written to the primary socket."}),
		primaryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mold_primary_errors_total", Help: "Write errors on the primary socket."}),
		secondaryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mold_secondary_drops_total", Help: "Packets dropped on the secondary socket."}),
	}
	if reg != nil {
		reg.MustRegister(s.packets, s.primaryErrors, s.secondaryDrops)
	}
	var err error
	s.primary, err = dialUDP(primaryAddr)
	if err != nil {
		return nil, fmt.Errorf("primary endpoint: %w", err)
	}
	if secondaryAddr != "" {
		s.secondary, err = dialUDP(secondaryAddr)
		if err != nil {
			s.primary.Close()
			return nil, fmt.Errorf("secondary endpoint: %w", err)
		}
		// A large send buffer makes a blocking secondary write less likely.
		s.secondary.SetWriteBuffer(1 << 20)
	}
	return s, nil
}

func dialUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, udpAddr)
}

// Send writes one packet. Implements the pacer's Sink.
func (s *Sender) Send(packet []byte) error {
	if _, err := s.primary.Write(packet); err != nil {
		s.primaryErrors.Inc()
		return fmt.Errorf("primary write: %w", err)
	}
	s.packets.Inc()
	if s.secondary != nil {
		if _, err := s.secondary.Write(packet); err != nil {
			s.secondaryDrops.Inc()
			s.logger.Warn("secondary write dropped", "error", err)
		}
	}
	return nil
}

// Close releases both sockets.
func (s *Sender) Close() error {
	err := s.primary.Close()
	if s.secondary != nil {
		if e := s.secondary.Close(); err == nil {
			err = e
		}
	}
	return err
}
