package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/airband/config"
	"github.com/mossy-p/airband/internal/audio"
	"github.com/mossy-p/airband/internal/call"
	"github.com/mossy-p/airband/internal/signaling"
)

var (
	clientID   = flag.String("id", "", "client id to log in as")
	token      = flag.String("token", "", "signaling token")
	callPeer   = flag.String("call", "", "peer id to call after login")
	autoAccept = flag.Bool("auto-accept", false, "accept incoming calls automatically")
)

func main() {
	flag.Parse()
	if *clientID == "" || *token == "" {
		log.Fatal("both -id and -token are required")
	}

	cfg := config.Load()

	conn := signaling.NewConnection(cfg.Client)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.LoginTimeout)
	clients, err := conn.Connect(ctx, *clientID, *token)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Disconnect()

	log.Printf("Logged in as %s, %d clients online", *clientID, len(clients))
	for _, c := range clients {
		log.Printf("  %s (%s) on %s", c.ID, c.DisplayName, c.Frequency)
	}

	engine := call.NewPionEngine(cfg.WebRTC)
	manager := call.NewManager(engine, conn, &audio.NopManager{}, conn.Shutdown())
	go manager.Run(conn.Subscribe())

	notices := manager.Notifications()
	go func() {
		for n := range notices.C() {
			switch n.Kind {
			case call.NotifyIncomingCall:
				log.Printf("Incoming call from %s", n.PeerID)
				if *autoAccept {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := manager.AcceptCall(ctx, n.PeerID); err != nil {
						log.Printf("Failed to accept call: %v", err)
					}
					cancel()
				}
			case call.NotifyCallConnected:
				log.Printf("Call with %s connected", n.PeerID)
			case call.NotifyCallHeld:
				log.Printf("Call with %s held", n.PeerID)
			case call.NotifyCallEnded:
				log.Printf("Call with %s ended", n.PeerID)
			case call.NotifyCallFailed:
				log.Printf("Call with %s failed: %v", n.PeerID, n.Err)
			}
		}
	}()

	if *callPeer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := manager.StartCall(ctx, *callPeer); err != nil {
			log.Fatalf("Failed to start call: %v", err)
		}
		cancel()
		log.Printf("Calling %s", *callPeer)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Disconnecting")
}
