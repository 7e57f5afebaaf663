// Package server is a small scriptable TSP broker. It answers the client
// side of the protocol over TCP and reliable UDP on one port and is used by
// the end to end tests and the tspbroker command.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/packet"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// DefaultCapability is offered when Config.Capability is empty.
const DefaultCapability = "CAPABILITY TUNNEL=V6V4 TUNNEL=V6UDPV4 AUTH=ANONYMOUS AUTH=PLAIN AUTH=DIGEST-MD5"

// Event reports the progress of a client session.
type Event struct {
	Peer   string
	Stage  string
	Detail string
}

// Config scripts the broker's answers.
type Config struct {
	// Capability is the full capability line, without CRLF.
	Capability string
	// Users maps user names to passwords for PLAIN and DIGEST-MD5.
	Users map[string]string
	Realm string
	// Nonce is the DIGEST-MD5 nonce. A random one is used when empty.
	Nonce string

	// Offer is the tunnel payload returned to create requests. When empty
	// DefaultOffer is used.
	Offer string
	// Busy answers every version line with 530.
	Busy bool
	// Unsupported lists protocol versions answered with 302.
	Unsupported []string
	// Redirect answers every version line with a redirect to these brokers.
	Redirect []string

	OnEvent func(Event)
	// OnPacket receives tunnelled packets of established v6udpv4 sessions.
	OnPacket func(peer net.Addr, pkt []byte)
}

func (c *Config) capability() string {
	if c.Capability == "" {
		return DefaultCapability
	}
	return c.Capability
}

func (c *Config) realm() string {
	if c.Realm == "" {
		return config.BrokerRealm
	}
	return c.Realm
}

func (c *Config) refuses(version string) bool {
	return slices.Contains(c.Unsupported, version)
}

// udpPeer is the state kept per RUDP client address.
type udpPeer struct {
	x        *exchange
	lastSeq  uint32
	lastSent []byte
	seen     time.Time
}

type Server struct {
	cfg Config

	tcp net.Listener
	udp net.PacketConn

	peers   map[string]*udpPeer
	peersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, peers: make(map[string]*udpPeer)}
}

// Listen binds the TCP and UDP sockets to the same address. Port 0 picks a
// port free for both.
func (s *Server) Listen(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 10; attempt++ {
		udp, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		bound := net.JoinHostPort(host, strconv.Itoa(udp.LocalAddr().(*net.UDPAddr).Port))
		tcp, err := net.Listen("tcp", bound)
		if err != nil {
			udp.Close()
			if port != "0" {
				return fmt.Errorf("listen tcp: %w", err)
			}
			continue
		}
		s.udp, s.tcp = udp, tcp
		return nil
	}
	return errors.New("no port free for both tcp and udp")
}

// Addr returns the host:port clients connect to.
func (s *Server) Addr() string {
	return s.tcp.Addr().String()
}

// Run serves until ctx is done. Listen must have been called.
func (s *Server) Run(ctx context.Context) error {
	if s.tcp == nil || s.udp == nil {
		return errors.New("server: not listening")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	log.WithField("addr", s.Addr()).Info("TSP broker listening")

	s.wg.Add(3)
	go s.acceptLoop()
	go s.packetLoop()
	go s.cleanupLoop()

	<-s.ctx.Done()
	log.Info("TSP broker shutting down")

	// Close sockets first to unblock I/O
	s.tcp.Close()
	s.udp.Close()

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.WithError(err).Warn("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go s.serveStream(conn)
	}
}

func (s *Server) serveStream(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	x := newExchange(&s.cfg, conn.RemoteAddr())
	r := bufio.NewReaderSize(conn, config.ProtocolFrameSize)
	for x.state != stateClosed {
		msg, err := readMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).WithField("peer", conn.RemoteAddr()).Debug("stream ended")
			}
			return
		}
		if out := x.handle(msg); out != nil {
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}
}

// readMessage reads one client message from a stream: a line, or a
// Content-length header line and its payload.
func readMessage(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	rest, ok := strings.CutPrefix(string(line), "Content-length:")
	if !ok {
		return line, nil
	}
	size, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || size <= 0 || size > config.ProtocolFrameSize {
		return nil, fmt.Errorf("%w: %q", tsp.ErrInvalidPayloadSize, strings.TrimSpace(rest))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(line, body...), nil
}

func (s *Server) packetLoop() {
	defer s.wg.Done()

	buf := make([]byte, config.MaxPacketSize)
	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				continue
			}
		}
		s.handleDatagram(addr, buf[:n])
	}
}

func (s *Server) handleDatagram(addr net.Addr, datagram []byte) {
	key := addr.String()

	s.peersMu.Lock()
	peer, exists := s.peers[key]
	s.peersMu.Unlock()

	if exists && peer.x.established() && packet.GetIPVersion(datagram) == 6 {
		if s.cfg.OnPacket != nil {
			s.cfg.OnPacket(addr, append([]byte(nil), datagram...))
		}
		return
	}

	hdr, payload, err := transport.UnmarshalHeader(datagram)
	if err != nil {
		return
	}

	// Distance probes are answered without any session state.
	if strings.HasPrefix(string(payload), "ECHO REQUEST") {
		s.send(addr, hdr, []byte("200 Success\r\n"))
		return
	}

	if !exists {
		peer = s.newPeer(key, addr)
		if peer == nil {
			return
		}
	}

	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	peer.seen = time.Now()

	// A retransmission of the last request gets the same reply again.
	if peer.lastSent != nil && hdr.Sequence == peer.lastSeq {
		s.send(addr, hdr, peer.lastSent)
		return
	}
	if peer.x.state == stateClosed {
		// A new VERSION line starts over.
		peer.x = newExchange(&s.cfg, addr)
	}
	out := peer.x.handle(payload)
	if out == nil {
		out = []byte{}
	}
	peer.lastSeq, peer.lastSent = hdr.Sequence, out
	s.send(addr, hdr, out)
}

func (s *Server) newPeer(key string, addr net.Addr) *udpPeer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	if peer, exists := s.peers[key]; exists {
		return peer
	}
	if len(s.peers) >= config.BrokerMaxPeers {
		log.WithField("peer", key).Warn("peer limit reached, dropping")
		return nil
	}
	peer := &udpPeer{x: newExchange(&s.cfg, addr), seen: time.Now()}
	s.peers[key] = peer
	log.WithField("peer", key).Debug("new rudp peer")
	return peer
}

// send echoes hdr back with payload, the way the client matches replies.
func (s *Server) send(addr net.Addr, hdr transport.Header, payload []byte) {
	datagram, err := hdr.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := s.udp.WriteTo(datagram, addr); err != nil {
		log.WithError(err).WithField("peer", addr).Debug("send failed")
	}
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(config.BrokerCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupPeers(time.Now())
		}
	}
}

func (s *Server) cleanupPeers(now time.Time) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	for key, peer := range s.peers {
		if now.Sub(peer.seen) > config.BrokerPeerTimeout {
			delete(s.peers, key)
			log.WithField("peer", key).Debug("rudp peer expired")
		}
	}
}
