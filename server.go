// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgcore

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Device is the local WireGuard identity this server drives. Required.
	Device *Device

	// OnPacket is called when decrypted transport data arrives.
	OnPacket func(data []byte, peerKey NoisePublicKey)

	// OnPeerConnected is called when a new handshake completes. Optional.
	OnPeerConnected func(peerKey NoisePublicKey)

	// MaintenanceInterval controls how often device maintenance runs.
	// Default: 1s.
	MaintenanceInterval time.Duration

	// ReadBufferSize is the size of the UDP read buffer. Default: 2048.
	ReadBufferSize int
}

// Server drives a Device over a net.PacketConn: the read loop, automatic
// protocol responses (cookie replies, handshake responses), periodic
// maintenance, and optional header obfuscation on the wire.
type Server struct {
	device              *Device
	onPacket            func(data []byte, peerKey NoisePublicKey)
	onPeerConnected     func(peerKey NoisePublicKey)
	maintenanceInterval time.Duration
	readBufferSize      int

	conn      net.PacketConn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a Server from the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Device == nil {
		return nil, errors.New("wgcore: Device is required")
	}
	if cfg.OnPacket == nil {
		return nil, errors.New("wgcore: OnPacket callback is required")
	}

	interval := cfg.MaintenanceInterval
	if interval == 0 {
		interval = time.Second
	}
	bufSize := cfg.ReadBufferSize
	if bufSize == 0 {
		bufSize = 2048
	}

	s := &Server{
		device:              cfg.Device,
		onPacket:            cfg.OnPacket,
		onPeerConnected:     cfg.OnPeerConnected,
		maintenanceInterval: interval,
		readBufferSize:      bufSize,
		done:                make(chan struct{}),
	}
	return s, nil
}

// Serve starts the read loop and maintenance goroutines, blocking until
// Close is called or the connection encounters a permanent error.
func (s *Server) Serve(conn net.PacketConn) error {
	s.conn = conn

	s.wg.Add(2)
	go s.readLoop()
	go s.maintenanceLoop()

	<-s.done
	s.wg.Wait()
	return nil
}

// Send encrypts data and sends it to peerKey at its last known endpoint.
func (s *Server) Send(data []byte, peerKey NoisePublicKey) error {
	peer := s.device.Peer(peerKey)
	if peer == nil {
		return errors.New("wgcore: unknown peer")
	}
	addr := peer.Endpoint()
	if !addr.IsValid() {
		return errors.New("wgcore: no address known for peer")
	}

	encrypted, err := s.device.encryptDataPacket(data, peer)
	if err != nil {
		return err
	}

	s.device.obfuscator.Obfuscate(encrypted, 0, 0)
	_, err = s.conn.WriteTo(encrypted, udpAddrFromAddrPort(addr))
	return err
}

// Connect initiates a handshake to peerKey at addr.
func (s *Server) Connect(peerKey NoisePublicKey, addr netip.AddrPort) error {
	peer := s.device.Peer(peerKey)
	if peer == nil {
		return fmt.Errorf("wgcore: unknown peer")
	}
	peer.setEndpoint(addr)

	initPkt, err := s.device.InitiateHandshake(peer)
	if err != nil {
		return fmt.Errorf("wgcore: initiate handshake: %w", err)
	}

	s.device.obfuscator.Obfuscate(initPkt, 0, 0)
	_, err = s.conn.WriteTo(initPkt, udpAddrFromAddrPort(addr))
	return err
}

// Close stops the server's read loop and maintenance goroutines. It does
// not close the net.PacketConn or the Device -- the caller owns those.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	if s.conn != nil {
		s.conn.SetReadDeadline(time.Now())
	}
	s.wg.Wait()
	return nil
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, s.readBufferSize)

	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.closeOnce.Do(func() {
				close(s.done)
			})
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.processIncoming(data, addr)
	}
}

func (s *Server) processIncoming(data []byte, addr net.Addr) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}
	remote := addrPortFromUDP(udpAddr)

	s.device.obfuscator.Deobfuscate(data, 0, 0)

	if len(data) < 4 {
		return
	}

	var (
		result *PacketResult
		err    error
	)

	switch binary_le_uint32(data[0:4]) {
	case MessageInitiationType:
		result, err = s.device.processHandshakeInitiation(data, remote)
	case MessageResponseType:
		result, err = s.device.processHandshakeResponse(data)
	case MessageCookieReplyType:
		result, err = s.device.processCookieReply(data)
	case MessageTransportType, MessageShortTransportType:
		result, err = s.device.processDataPacket(data, remote)
	default:
		return
	}

	if err != nil {
		slog.Debug("wgcore: dropping packet", "error", err, "addr", remote)
		return
	}
	if result == nil {
		return
	}

	switch result.Outcome {
	case OutcomeReplyCookie, OutcomeReplyHandshake:
		out := append([]byte(nil), result.Response...)
		s.device.obfuscator.Obfuscate(out, 0, 0)
		s.conn.WriteTo(out, addr)
		if result.Outcome == OutcomeReplyHandshake && s.onPeerConnected != nil {
			var zeroKey NoisePublicKey
			if result.PeerKey != zeroKey {
				s.onPeerConnected(result.PeerKey)
			}
		}
	case OutcomeDeliverData:
		s.onPacket(result.Data, result.PeerKey)
	case OutcomeKeepalive, OutcomeDropSilently:
		// Nothing further to do; endpoint bookkeeping already happened
		// inside the device.
	case OutcomeFatal:
		slog.Debug("wgcore: session exhausted, rekey forced", "peer", result.PeerKey)
	}
}

func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, action := range s.device.Maintenance() {
				out := append([]byte(nil), action.Data...)
				s.device.obfuscator.Obfuscate(out, 0, 0)
				if _, err := s.conn.WriteTo(out, udpAddrFromAddrPort(action.Addr)); err != nil {
					slog.Debug("wgcore: maintenance send failed", "peer", action.PeerKey, "error", err)
				}
			}
		}
	}
}

func udpAddrFromAddrPort(ap netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ap)
}

func addrPortFromUDP(addr *net.UDPAddr) netip.AddrPort {
	return addr.AddrPort()
}
