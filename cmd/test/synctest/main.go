package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/server"
	"github.com/pdm-pw/pdm-sync-server/pkg/wsession"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	URL        string        `long:"url" default:"http://localhost:8080" description:"base URL of the running sync server"`
	SessionKey string        `long:"session-key" description:"session key for /ws when the server validates keys"`
	Timeout    time.Duration `long:"timeout" default:"10s" description:"deadline for the whole round trip"`
}

// synctest drives a running server end to end: it opens the notification
// stream, sends a notification and waits for it, then checks the websocket
// round trip.
func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running Synctest, opts: %+v...\n", opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := checkNotificationStream(ctx, opts.URL); err != nil {
		fmt.Printf("Notification stream check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Notification stream is fully operational\n")

	if err := checkWebsocketEcho(ctx, opts.URL, opts.SessionKey); err != nil {
		fmt.Printf("Websocket check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Websocket echo is fully operational\n")
}

func checkNotificationStream(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+server.NotificationStreamPath, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	if err := readUntil(reader, "event:connected"); err != nil {
		return fmt.Errorf("waiting for connected event: %w", err)
	}
	fmt.Printf("Stream connected\n")

	marker := "synctest " + uuid.NewString()
	body, err := json.Marshal(map[string]string{"message": marker})
	if err != nil {
		return err
	}
	send, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+server.SendNotificationPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	send.Header.Set("Content-Type", "application/json")
	sendResp, err := http.DefaultClient.Do(send)
	if err != nil {
		return err
	}
	sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusOK {
		return fmt.Errorf("send notification returned status %d", sendResp.StatusCode)
	}

	if err := readUntil(reader, marker); err != nil {
		return fmt.Errorf("waiting for notification: %w", err)
	}
	return nil
}

// readUntil consumes stream lines until one contains want
func readUntil(reader *bufio.Reader, want string) error {
	for {
		line, err := reader.ReadString('\n')
		if strings.Contains(line, want) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func checkWebsocketEcho(ctx context.Context, baseURL, sessionKey string) error {
	wsURL, err := url.Parse(baseURL + server.WebsocketPath)
	if err != nil {
		return err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	header := http.Header{}
	if sessionKey != "" {
		header.Set(wsession.SessionKeyHeader, sessionKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	message := "ping " + uuid.NewString()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		return err
	}

	// keyed sessions get their own message relayed back, anonymous ones an echo
	want := wsession.EchoPrefix + message
	if sessionKey != "" {
		want = message
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		text := string(data)
		if text == want {
			return nil
		}
		fmt.Printf("Skipping message: %s\n", text)
	}
}
