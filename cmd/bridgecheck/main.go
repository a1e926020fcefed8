package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/park285/chess-engine-bridge/internal/bridgeapi"
	"github.com/park285/chess-engine-bridge/internal/config"
	"github.com/park285/chess-engine-bridge/internal/connmgr"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

func main() {
	_ = config.LoadDotEnv()
	wsURL := os.Getenv("BRIDGE_URL")
	baseURL := os.Getenv("BRIDGE_HTTP_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:3001/ws"
	}
	if baseURL == "" {
		baseURL = httpBase(wsURL)
	}

	failed := false
	client := bridgeapi.NewClient(baseURL, bridgeapi.WithTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h, err := client.Health(ctx)
	cancel()
	if err != nil {
		log.Printf("/healthz error: %v", err)
		failed = true
	} else {
		log.Printf("/healthz ok: status=%s sessions=%d", h.Status, h.Sessions)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	recs, err := client.Sessions(ctx)
	cancel()
	if err != nil {
		log.Printf("/sessions error: %v", err)
	} else {
		for _, r := range recs {
			fmt.Printf("session id=%s pid=%d remote=%s cmds=%d msgs=%d\n", r.ID, r.PID, r.RemoteAddr, r.Commands, r.Messages)
		}
	}

	if err := checkSocket(wsURL); err != nil {
		log.Printf("WS check error: %v", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}

// checkSocket opens a session, starts a game and runs a depth-1 search.
func checkSocket(wsURL string) error {
	ws := connmgr.New(wsURL, connmgr.WithReconnectDelay(time.Hour))
	defer func() { _ = ws.Close(context.Background()) }()

	msgs := make(chan wire.Message, 16)
	ws.OnStateChange(func(state connmgr.State) {
		log.Printf("WS state: %s", state)
	})
	ws.OnMessage(func(msg wire.Message) {
		fmt.Printf("WS msg kind=%s raw=%s\n", msg.Kind, msg.Raw)
		select {
		case msgs <- msg:
		default:
		}
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	steps := []struct {
		cmd  wire.Command
		want wire.Kind
	}{
		{wire.NewGame(), wire.KindNewGameStarted},
		{wire.Search(1), wire.KindSearchResult},
	}
	for _, st := range steps {
		if err := ws.Send(st.cmd); err != nil {
			return fmt.Errorf("send %q: %w", st.cmd, err)
		}
		if err := await(msgs, st.want, 10*time.Second); err != nil {
			return fmt.Errorf("after %q: %w", st.cmd, err)
		}
	}
	return nil
}

func await(msgs <-chan wire.Message, want wire.Kind, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case msg := <-msgs:
			switch msg.Kind {
			case want:
				return nil
			case wire.KindEngineClosed:
				return fmt.Errorf("engine closed with code %d", msg.Code)
			case wire.KindEngineError:
				return fmt.Errorf("engine error: %s", msg.Text)
			}
		case <-t.C:
			return fmt.Errorf("timed out waiting for %s", want)
		}
	}
}

// httpBase maps ws://host/path to http://host.
func httpBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://localhost:3001"
	}
	scheme := "http"
	if strings.EqualFold(u.Scheme, "wss") {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
