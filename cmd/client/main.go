package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studychat/internal/client"
	"studychat/internal/client/call"
	"studychat/internal/core/domain"
	webrtcinfra "studychat/internal/infrastructure/webrtc"
	"studychat/pkg/backoff"
	"studychat/pkg/config"
	"studychat/pkg/logger"
	"studychat/pkg/utils"

	"github.com/pion/webrtc/v3"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		room       = flag.String("room", "", "room to join (overrides config)")
		author     = flag.String("author", "", "display name for sent messages")
		peer       = flag.String("peer", "", "peer id (generated when empty)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *room != "" {
		cfg.Client.Room = *room
	}
	if *author == "" {
		fmt.Fprintln(os.Stderr, "-author is required")
		os.Exit(1)
	}

	self := domain.PeerID(*peer)
	if self == "" {
		self = domain.PeerID(utils.NewPeerID())
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	engines := webrtcinfra.NewFactory(webrtcinfra.Config{ICEServers: iceServers}, log)

	c, err := client.New(client.Options{
		SignalURL:  cfg.Client.SignalURL,
		HistoryURL: cfg.Client.HistoryURL,
		Room:       domain.RoomID(cfg.Client.Room),
		Self:       self,
		Reconnect: backoff.Config{
			InitialDelay: cfg.Client.Reconnect.InitialDelay,
			MaxDelay:     cfg.Client.Reconnect.MaxDelay,
			Multiplier:   2,
			MaxAttempts:  cfg.Client.Reconnect.MaxRetries,
		},
		HistoryTimeout: cfg.Client.HistoryTimeout,
		Engines:        engines,
		Logger:         log,
	})
	if err != nil {
		log.Fatalw("failed to build client", "error", err)
	}
	defer c.Close()

	events, cancelSub := c.Chat().Subscribe()
	defer cancelSub()

	c.OnPresence(func(p domain.PresencePayload) {
		fmt.Printf("* %s %s the room\n", p.PeerID, p.Event)
	})
	c.Calls().OnStateChange(func(sc call.StateChange) {
		if sc.Err != nil {
			fmt.Printf("* call with %s: %s (%v)\n", sc.RemotePeer, sc.State, sc.Err)
			return
		}
		fmt.Printf("* call with %s: %s\n", sc.RemotePeer, sc.State)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.Fatalw("failed to start client", "error", err)
	}

	go func() {
		for state := range c.ConnectionStates() {
			switch state.Status {
			case domain.StatusOpen:
				fmt.Println("* connected")
			case domain.StatusReconnecting:
				fmt.Printf("* reconnecting (attempt %d)\n", state.RetryCount)
			case domain.StatusClosed:
				if state.LastError != nil {
					fmt.Printf("* connection closed: %v\n", state.LastError)
				}
			}
		}
	}()

	go func() {
		for ev := range events {
			marker := ""
			if ev.Message.Pending {
				marker = " (sending)"
			} else if ev.Replaced {
				marker = " (delivered)"
			}
			when := time.UnixMilli(ev.Message.SentAt).Format("15:04:05")
			fmt.Printf("[%s] %s: %s%s\n", when, ev.Message.Author, ev.Message.Text, marker)
		}
	}()

	fmt.Printf("joined %s as %s: /call <peer>, /hangup, /quit\n", cfg.Client.Room, self)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigChan:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case line == "/hangup":
				c.Calls().Hangup()
			case strings.HasPrefix(line, "/call "):
				target := domain.PeerID(strings.TrimSpace(strings.TrimPrefix(line, "/call ")))
				if err := c.Calls().StartCall(ctx, target); err != nil {
					fmt.Printf("* call failed: %v\n", err)
				}
			default:
				if _, err := c.Chat().SendChat(*author, line); err != nil {
					fmt.Printf("* send failed: %v\n", err)
				}
			}
		}
	}
}
