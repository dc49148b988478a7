// Package server implements the Listener (spec.md §5, §6): one acceptor
// goroutine per configured binding, each handing accepted connections off
// to a session.Session, generalized from a fixed plain+TLS listener pair
// onto an arbitrary list of config.Binding entries. This server carries
// no gRPC peering, admin portal, or OIDC component (see DESIGN.md).
package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/presbrey/ircd/internal/config"
	"github.com/presbrey/ircd/internal/dispatch"
	"github.com/presbrey/ircd/internal/session"
	"github.com/presbrey/ircd/internal/transport/ws"
)

// Server owns every network listener for one ircd process.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup

	shutdown chan struct{}
	sigChan  chan os.Signal
}

// New constructs a Server bound to cfg and ready to dispatch accepted
// connections through d. Callers still need to call Start.
func New(cfg *config.Config, d *dispatch.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		shutdown:   make(chan struct{}),
	}
}

// Start applies workers, opens every configured binding, and begins
// accepting connections. It returns once every binding is listening, or
// the first error encountered while setting one up, having already torn
// down any bindings opened earlier in the same call.
func (s *Server) Start() error {
	if s.cfg.Workers > 0 {
		runtime.GOMAXPROCS(s.cfg.Workers)
	}

	for _, b := range s.cfg.Bindings {
		if err := s.startBinding(b); err != nil {
			s.Stop(0)
			return err
		}
	}

	s.listenForRehash()
	return nil
}

func (s *Server) startBinding(b config.Binding) error {
	var ln net.Listener
	var err error

	if b.TLS {
		tlsConfig, terr := s.tlsConfigFor(b)
		if terr != nil {
			return terr
		}
		ln, err = tls.Listen("tcp", b.Address, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", b.Address)
	}
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", b.Address, err)
	}
	log.Printf("ircd: listening on %s (tls=%v websocket=%v)", b.Address, b.TLS, b.WebSocket)

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	if b.WebSocket {
		go s.serveWebSocket(ln, b.TLS)
	} else {
		go s.acceptLoop(ln, b.TLS)
	}
	return nil
}

// tlsConfigFor loads a configured certificate/key pair, or generates a
// self-signed one if none was given (spec.md §6's "self-signed unless a
// certificate is configured" default).
func (s *Server) tlsConfigFor(b config.Binding) (*tls.Config, error) {
	if b.Certificate != "" && b.Key != "" {
		cert, err := tls.LoadX509KeyPair(b.Certificate, b.Key)
		if err != nil {
			return nil, fmt.Errorf("server: load TLS certificate for %s: %w", b.Address, err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   clientAuthFor(b),
		}, nil
	}

	log.Printf("ircd: no certificate configured for %s, generating a self-signed one", b.Address)
	cert, err := generateSelfSignedCert(b.Address, s.cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("server: generate self-signed certificate for %s: %w", b.Address, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   clientAuthFor(b),
	}, nil
}

func clientAuthFor(b config.Binding) tls.ClientAuthType {
	if b.RequireCertificate {
		return tls.RequireAnyClientCert
	}
	return tls.NoClientCert
}

func generateSelfSignedCert(bindAddr, domain string) (*tls.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	notBefore := time.Now()
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{domain}, CommonName: domain},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain},
	}
	if host, _, err := net.SplitHostPort(bindAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privateKey}, nil
}

// acceptLoop runs a raw TCP/TLS accept loop for one binding, handing each
// connection to a new session.Session (spec.md §4.6). A listener Close
// during Stop unblocks Accept with an error this loop recognizes via
// s.shutdown and returns on; any other Accept error is logged and the
// loop keeps accepting.
func (s *Server) acceptLoop(ln net.Listener, tlsBinding bool) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("ircd: accept on %s: %v", ln.Addr(), err)
				continue
			}
		}
		go s.serve(conn, tlsBinding)
	}
}

// serveWebSocket wraps ln in an HTTP server that upgrades each request to
// a WebSocket connection (spec.md §6's per-binding `websocket: true`),
// then hands the resulting framed net.Conn to the same session machinery
// as a raw TCP binding.
func (s *Server) serveWebSocket(ln net.Listener, tlsBinding bool) {
	defer s.wg.Done()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Upgrade(w, r)
		if err != nil {
			log.Printf("ircd: websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		s.serve(conn, tlsBinding)
	})
	httpServer := &http.Server{Handler: mux}
	err := httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		select {
		case <-s.shutdown:
		default:
			log.Printf("ircd: websocket listener %s: %v", ln.Addr(), err)
		}
	}
}

func (s *Server) serve(conn net.Conn, tlsBinding bool) {
	sess := session.New(conn, s.dispatcher, s.cfg.LoginTimeoutDuration(), tlsBinding)
	sess.Serve()
}

// listenForRehash triggers Dispatcher.ReloadFromSignal on SIGHUP, the
// conventional Unix daemon reconfiguration signal (spec.md §9's REHASH,
// invoked here without a requesting client).
func (s *Server) listenForRehash() {
	s.sigChan = make(chan os.Signal, 1)
	signal.Notify(s.sigChan, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-s.sigChan:
				log.Printf("ircd: SIGHUP received, rehashing")
				if err := s.dispatcher.ReloadFromSignal(); err != nil {
					log.Printf("ircd: rehash failed: %v", err)
				}
			case <-s.shutdown:
				return
			}
		}
	}()
}

// Stop closes every listener and waits up to grace for in-flight accept
// loops to notice and return; a grace of zero waits until they have all
// returned. It does not close already-accepted connections or send them
// any shutdown notice; their sessions keep running until the connection
// ends or the process exits.
func (s *Server) Stop(grace time.Duration) error {
	select {
	case <-s.shutdown:
		return nil // already stopped
	default:
		close(s.shutdown)
	}
	if s.sigChan != nil {
		signal.Stop(s.sigChan)
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if grace > 0 {
		select {
		case <-done:
		case <-time.After(grace):
		}
	} else {
		<-done
	}

	if len(errs) > 0 {
		return fmt.Errorf("server: errors closing listeners: %v", errs)
	}
	return nil
}
