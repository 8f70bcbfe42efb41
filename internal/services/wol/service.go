// Package wol wakes the machine hosting the destination database before the readiness gate runs.
package wol

import (
	"context"
	"fmt"
	"net"

	"github.com/fgeck/gopg-elt/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// discardPort is the UDP port magic packets are broadcast to.
const discardPort = "9"

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig, target models.ConnectionTarget) (*models.WOLResult, error)
}

// Sender transmits a magic packet for mac to addr (host:port).
type Sender interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// UDPSender sends magic packets with mdlayher/wol.
type UDPSender struct{}

// Wake opens a UDP socket for a single packet.
func (UDPSender) Wake(addr string, mac net.HardwareAddr) error {
	c, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("opening wol socket: %w", err)
	}
	defer func() { _ = c.Close() }()

	return c.Wake(addr, mac)
}

// Impl implements the WOL Service interface.
type Impl struct {
	sender Sender
	logger zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		sender: UDPSender{},
		logger: logger,
	}
}

// NewWithSender creates a new WOL service with a custom sender (for testing).
func NewWithSender(logger zerolog.Logger, sender Sender) *Impl {
	return &Impl{
		sender: sender,
		logger: logger,
	}
}

// Wake sends one magic packet for the host serving target. It does not wait for
// the host: the readiness gate decides when the database is usable.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig, target models.ConnectionTarget) (*models.WOLResult, error) {
	result := &models.WOLResult{Target: target.Name}

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	ip := net.ParseIP(cfg.BroadcastIP)
	if ip == nil {
		result.Error = fmt.Errorf("invalid broadcast IP %q", cfg.BroadcastIP)
		return result, nil
	}
	result.Address = net.JoinHostPort(ip.String(), discardPort)

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result, nil
	}

	s.logger.Info().
		Str("target", target.Name).
		Str("host", target.Host).
		Str("mac", mac.String()).
		Str("broadcast", result.Address).
		Msg("waking database host")

	if err := s.sender.Wake(result.Address, mac); err != nil {
		result.Error = fmt.Errorf("sending magic packet to %s: %w", result.Address, err)
		return result, nil
	}
	result.PacketSent = true

	return result, nil
}
