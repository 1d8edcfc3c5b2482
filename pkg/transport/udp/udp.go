package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"jdanprad0/p2p-chunks/pkg/locations"
	"jdanprad0/p2p-chunks/pkg/logger"
	"jdanprad0/p2p-chunks/pkg/protocol"
	"jdanprad0/p2p-chunks/pkg/store"
)

// RequestHandler delivers a parsed REQUEST to the stream side: push the
// listed chunks of the file to dest.
type RequestHandler func(fileName string, chunks []int, dest protocol.PeerInfo)

// Service is the unreliable discovery-plane endpoint. One socket carries
// DISCOVERY, RESPONSE and REQUEST messages; every inbound datagram is
// dispatched on its own goroutine.
type Service struct {
	ip        string
	port      int
	speed     int
	window    time.Duration
	neighbors []protocol.PeerInfo

	store     *store.Store
	table     *locations.Table
	conn      *net.UDPConn
	onRequest RequestHandler

	gateMu sync.Mutex
	gates  map[string]*offerGate
}

// offerGate controls whether RESPONSE messages for one file are recorded.
// The generation counter ties each window timer to the search that armed it,
// so a timer left over from an earlier search cannot close a newer window.
type offerGate struct {
	mu         sync.Mutex
	open       bool
	generation int
}

// NewService creates a datagram service bound to (any, port). window is the
// response-collection interval armed by an originating discovery.
func NewService(ip string, port, speed int, st *store.Store, table *locations.Table, window time.Duration) *Service {
	return &Service{
		ip:     ip,
		port:   port,
		speed:  speed,
		window: window,
		store:  st,
		table:  table,
		gates:  make(map[string]*offerGate),
	}
}

// SetNeighbors fixes the direct neighbor set. Must be called before Start.
func (s *Service) SetNeighbors(neighbors []protocol.PeerInfo) {
	s.neighbors = neighbors
}

// SetOnRequest registers the handler for inbound REQUEST messages.
func (s *Service) SetOnRequest(f RequestHandler) {
	s.onRequest = f
}

// Start binds the socket and launches the receive loop.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.port})
	if err != nil {
		return fmt.Errorf("failed to bind udp port %d: %w", s.port, err)
	}
	s.conn = conn
	s.port = conn.LocalAddr().(*net.UDPAddr).Port

	go s.receiveLoop()

	logger.Sugar.Infof("[DatagramService] listening on %s", conn.LocalAddr())
	return nil
}

// Port returns the bound datagram port.
func (s *Service) Port() int {
	return s.port
}

// Close stops the receive loop.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Service) receiveLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[DatagramService] receive error: %v", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		sender := protocol.PeerInfo{IP: src.IP.String(), Port: src.Port}

		go s.dispatch(datagram, sender)
	}
}

func (s *Service) dispatch(datagram []byte, sender protocol.PeerInfo) {
	fields := protocol.Fields(datagram)
	if len(fields) == 0 {
		logger.Sugar.Errorf("[DatagramService] empty datagram from %s dropped", sender.Addr())
		return
	}

	switch fields[0] {
	case protocol.CmdDiscovery:
		s.handleDiscovery(fields, sender)
	case protocol.CmdResponse:
		s.handleOffer(fields, sender)
	case protocol.CmdRequest:
		s.handleRequest(fields, sender)
	default:
		logger.Sugar.Errorf("[DatagramService] unknown command %q from %s dropped", fields[0], sender.Addr())
	}
}

// handleDiscovery answers the original requester when chunks are held
// locally, then re-floods with a decremented TTL after a one second pause.
// The pause damps flood storms; the offer always goes out before it.
func (s *Service) handleDiscovery(fields []string, sender protocol.PeerInfo) {
	d, err := protocol.ParseDiscovery(fields)
	if err != nil {
		logger.Sugar.Errorf("[DatagramService] dropping discovery from %s: %v", sender.Addr(), err)
		return
	}

	// Our own flooded discovery can come back through a neighbor loop.
	if d.Origin.IP == s.ip {
		return
	}

	logger.Sugar.Infof("[DatagramService] discovery for %s (ttl=%d) from %s, origin %s",
		d.FileName, d.TTL, sender.Addr(), d.Origin.Addr())

	if available := s.store.AvailableChunks(d.FileName); len(available) > 0 {
		s.sendOffer(d.FileName, available, d.Origin)
	}

	if d.TTL > 0 {
		time.Sleep(1 * time.Second)
		s.flood(protocol.Discovery{
			FileName:    d.FileName,
			TotalChunks: d.TotalChunks,
			TTL:         d.TTL - 1,
			Origin:      d.Origin,
		})
	}
}

// handleOffer records the offer unless the file's gate is closed. The
// offering peer's address comes from the datagram source, not the payload.
func (s *Service) handleOffer(fields []string, sender protocol.PeerInfo) {
	offer, err := protocol.ParseOffer(fields)
	if err != nil {
		logger.Sugar.Errorf("[DatagramService] dropping offer from %s: %v", sender.Addr(), err)
		return
	}

	if !s.offersOpen(offer.FileName) {
		logger.Sugar.Debugf("[DatagramService] offer for %s from %s outside window, dropped",
			offer.FileName, sender.Addr())
		return
	}

	logger.Sugar.Infof("[DatagramService] offer for %s from %s: chunks %v at %d B/s",
		offer.FileName, sender.Addr(), offer.Chunks, offer.Speed)
	s.table.StoreOffer(offer.FileName, offer.Chunks, sender, offer.Speed)
}

func (s *Service) handleRequest(fields []string, sender protocol.PeerInfo) {
	req, err := protocol.ParseRequest(fields)
	if err != nil {
		logger.Sugar.Errorf("[DatagramService] dropping request from %s: %v", sender.Addr(), err)
		return
	}

	logger.Sugar.Infof("[DatagramService] request for chunks %v of %s from %s",
		req.Chunks, req.FileName, sender.Addr())
	if s.onRequest != nil {
		s.onRequest(req.FileName, req.Chunks, sender)
	}
}

// SendDiscover floods a discovery to every neighbor. An originating send
// additionally opens the accept-offers gate and arms the window timer that
// closes it again; re-floods never touch gate state. The returned channel
// closes once the window has elapsed and the gate is shut, so selection can
// never overlap offer collection. For re-floods it is already closed.
func (s *Service) SendDiscover(fileName string, totalChunks, ttl int, origin protocol.PeerInfo, originating bool) <-chan struct{} {
	done := make(chan struct{})
	if originating {
		generation := s.openGate(fileName)
		go func() {
			time.Sleep(s.window)
			s.closeGate(fileName, generation)
			close(done)
		}()
	} else {
		close(done)
	}

	s.flood(protocol.Discovery{
		FileName:    fileName,
		TotalChunks: totalChunks,
		TTL:         ttl,
		Origin:      origin,
	})
	return done
}

func (s *Service) flood(d protocol.Discovery) {
	msg := d.Encode()
	for _, neighbor := range s.neighbors {
		if err := s.sendTo(neighbor, msg); err != nil {
			logger.Sugar.Errorf("[DatagramService] discovery to %s failed: %v", neighbor.Addr(), err)
			continue
		}
		logger.Sugar.Infof("[DatagramService] discovery for %s (ttl=%d) sent to %s", d.FileName, d.TTL, neighbor.Addr())
	}
}

func (s *Service) sendOffer(fileName string, chunks []int, dest protocol.PeerInfo) {
	msg := protocol.Offer{FileName: fileName, Speed: s.speed, Chunks: chunks}.Encode()
	if err := s.sendTo(dest, msg); err != nil {
		logger.Sugar.Errorf("[DatagramService] offer to %s failed: %v", dest.Addr(), err)
		return
	}
	logger.Sugar.Infof("[DatagramService] offered chunks %v of %s to %s", chunks, fileName, dest.Addr())
}

// SendRequests sends one REQUEST per selected peer. Send failures are logged
// and skipped; the datagram plane is best effort.
func (s *Service) SendRequests(fileName string, assignments map[string][]int) {
	for addr, chunks := range assignments {
		dest, err := protocol.ParsePeerAddr(addr)
		if err != nil {
			logger.Sugar.Errorf("[DatagramService] bad peer address %q in selection: %v", addr, err)
			continue
		}
		msg := protocol.Request{FileName: fileName, Chunks: chunks}.Encode()
		if err := s.sendTo(dest, msg); err != nil {
			logger.Sugar.Errorf("[DatagramService] request to %s failed: %v", addr, err)
			continue
		}
		logger.Sugar.Infof("[DatagramService] requested chunks %v of %s from %s", chunks, fileName, addr)
	}
}

func (s *Service) sendTo(dest protocol.PeerInfo, msg []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(dest.IP), Port: dest.Port}
	if addr.IP == nil {
		return fmt.Errorf("unresolvable peer ip %q", dest.IP)
	}
	_, err := s.conn.WriteToUDP(msg, addr)
	return err
}

// offersOpen reports whether offers for the file are currently recorded.
func (s *Service) offersOpen(fileName string) bool {
	g := s.gate(fileName)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (s *Service) openGate(fileName string) int {
	g := s.gate(fileName)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	g.generation++
	return g.generation
}

func (s *Service) closeGate(fileName string, generation int) {
	g := s.gate(fileName)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation != generation {
		return
	}
	g.open = false
	logger.Sugar.Infof("[DatagramService] response window for %s closed", fileName)
}

func (s *Service) gate(fileName string) *offerGate {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g, ok := s.gates[fileName]
	if !ok {
		g = &offerGate{}
		s.gates[fileName] = g
	}
	return g
}
