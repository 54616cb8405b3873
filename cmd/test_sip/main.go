// Command test_sip is a small manual exercise harness for pkg/session: it
// drives a Manager in either server or client mode over a UDP transport, the
// same way the teacher's own cmd/test_sip exercised the Enhanced SIP stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipsession/pkg/session"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:5060", "Listen address")
		username   = flag.String("user", "alice", "Username")
		domain     = flag.String("domain", "example.com", "Domain")
		mode       = flag.String("mode", "server", "Mode: server, client")
		target     = flag.String("target", "sip:bob@127.0.0.1:5061", "Target for outgoing call")
		debug      = flag.Bool("debug", false, "Enable debug mode")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	switch *mode {
	case "server":
		runServer(*listenAddr, *username, *domain)
	case "client":
		runClient(*listenAddr, *username, *domain, *target)
	default:
		fmt.Printf("unknown mode: %s\n", *mode)
		fmt.Println("available modes: server, client")
		os.Exit(1)
	}
}

func buildManager(listenAddr, username, domain string) (*session.Manager, session.ListenConfig) {
	cfg := session.DefaultConfig()
	cfg.UserAgent = "sipsession-test/1.0"
	cfg.DisplayName = username
	cfg.Contact = fmt.Sprintf("sip:%s@%s", username, listenAddr)

	m, err := session.NewManager(cfg, session.GetDefaultLogger())
	if err != nil {
		log.Fatalf("creating manager: %v", err)
	}

	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		log.Fatalf("parsing listen address %q: %v", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("parsing listen port %q: %v", portStr, err)
	}

	return m, session.ListenConfig{Kind: session.TransportUDP, Host: host, Port: port}
}

// runServer listens for inbound calls and auto-answers each one after a
// short delay, holding it open for ten seconds before hanging up.
func runServer(listenAddr, username, domain string) {
	log.Printf("starting SIP server: %s@%s on %s", username, domain, listenAddr)

	m, listen := buildManager(listenAddr, username, domain)
	defer m.Close()

	m.SetPeerConnectionFactory(func(req *sip.Request) session.PeerConnection {
		return newStaticPeerConnection(username, listenAddr)
	})

	m.OnNewSession(func(s *session.Session, req *sip.Request, tx sip.ServerTransaction) {
		log.Printf("=== INCOMING CALL ===")
		log.Printf("From: %s", req.From())
		log.Printf("To: %s", req.To())
		log.Printf("Call-ID: %s", s.ID())

		s.On(session.EventConfirmed, func(interface{}) {
			log.Printf("call %s confirmed, hanging up in 10s", s.ID())
			go func() {
				time.Sleep(10 * time.Second)
				if err := s.Terminate(context.Background(), session.TerminateOptions{}); err != nil {
					log.Printf("terminate error: %v", err)
				}
			}()
		})
		s.On(session.EventEnded, func(v interface{}) {
			log.Printf("call %s ended: %+v", s.ID(), v)
		})
		s.On(session.EventFailed, func(v interface{}) {
			log.Printf("call %s failed: %+v", s.ID(), v)
		})

		go func() {
			log.Printf("answering in 2s...")
			time.Sleep(2 * time.Second)
			if err := s.Answer(context.Background(), nil, session.AnswerOptions{}); err != nil {
				log.Printf("answer error: %v", err)
			} else {
				log.Printf("call answered")
			}
		}()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := m.ListenTransports(ctx, []session.ListenConfig{listen}); err != nil && ctx.Err() == nil {
			log.Fatalf("transport error: %v", err)
		}
	}()

	log.Printf("SIP server listening on %s", listenAddr)
	log.Printf("to test, run: go run ./cmd/test_sip -mode=client -listen=127.0.0.1:5061 -target=sip:%s@%s", username, listenAddr)

	<-ctx.Done()
	log.Printf("shutting down SIP server...")
}

// runClient places a single outgoing call to target and holds it open for
// 30 seconds before the program exits (and the deferred Close tears it down).
func runClient(listenAddr, username, domain, target string) {
	log.Printf("starting SIP client: %s@%s on %s", username, domain, listenAddr)
	log.Printf("call target: %s", target)

	m, listen := buildManager(listenAddr, username, domain)
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := m.ListenTransports(ctx, []session.ListenConfig{listen}); err != nil && ctx.Err() == nil {
			log.Fatalf("transport error: %v", err)
		}
	}()
	time.Sleep(500 * time.Millisecond)

	pc := newStaticPeerConnection(username, listenAddr)
	s := m.NewOutgoingSession(pc)

	s.On(session.EventProgress, func(v interface{}) {
		log.Printf("call %s progress: %+v", s.ID(), v)
	})
	s.On(session.EventConfirmed, func(interface{}) {
		log.Printf("call %s confirmed", s.ID())
	})
	s.On(session.EventEnded, func(v interface{}) {
		log.Printf("call %s ended: %+v", s.ID(), v)
	})
	s.On(session.EventFailed, func(v interface{}) {
		log.Printf("call %s failed: %+v", s.ID(), v)
	})

	offerSDP, err := pc.CreateOffer(ctx, nil)
	if err != nil {
		log.Fatalf("creating offer: %v", err)
	}

	log.Printf("placing call to %s...", target)
	if err := s.Connect(ctx, target, offerSDP, session.ConnectOptions{
		DisplayName:     username,
		NoAnswerTimeout: 30 * time.Second,
	}); err != nil {
		log.Fatalf("connect error: %v", err)
	}

	log.Printf("call placed, Call-ID: %s, waiting for answer...", s.ID())
	time.Sleep(30 * time.Second)

	log.Printf("shutting down SIP client...")
}

// extractIP strips the port off a host:port listen address for use in SDP
// connection lines.
func extractIP(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
