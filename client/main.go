package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/villagehq/villagechat/model"
	"github.com/villagehq/villagechat/sync"
)

func login(server, identity, password string) (*model.Chat, error) {
	body, _ := json.Marshal(map[string]string{"identity": identity, "password": password})
	resp, err := http.Post(server+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: %s", resp.Status)
	}
	var out struct {
		Chat *model.Chat `json:"chat"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func main() {
	server := flag.String("server", "http://localhost:8999", "server base URL")
	user := flag.String("user", "", "identity to sign in as")
	pass := flag.String("pass", "", "password")
	flag.Parse()

	if *user == "" {
		fmt.Println("usage: client -user <identity> -pass <password> [-server <url>]")
		os.Exit(1)
	}

	// The terminal belongs to the TUI; logs go to a file.
	logFile, err := os.OpenFile("client.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, nil))

	if _, err := login(*server, *user, *pass); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	sc := sync.NewClient(sync.Options{ServerURL: *server, Logger: logger})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := sc.Start(ctx, *user); err != nil {
		cancel()
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	cancel()
	defer sc.Close()

	p := tea.NewProgram(initialModel(sc, *user), tea.WithAltScreen())

	// Feed cache, presence and connection changes into the tea loop.
	cancelStore := sc.Store.Subscribe(func(key string) {
		p.Send(storeUpdateMsg{key: key})
	})
	defer cancelStore()
	sc.Presence.OnChange = func() { p.Send(presenceMsg{}) }
	cancelState := sc.Conn.SubscribeState(func(s sync.ConnState) {
		p.Send(connStateMsg{state: s})
	})
	defer cancelState()

	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
