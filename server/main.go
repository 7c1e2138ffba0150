package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/villagehq/villagechat/model"
)

func setupLogging() (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile("logs/server.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), nil)
	return slog.New(handler), logFile, nil
}

type loginRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
	Support  bool   `json:"support,omitempty"`
}

type loginResponse struct {
	Identity string      `json:"identity"`
	Chat     *model.Chat `json:"chat"`
	Welcome  string      `json:"welcome,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func newMux(log *slog.Logger, config *Config, store *Store, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
			http.Error(w, "identity and password required", http.StatusBadRequest)
			return
		}
		chat, err := store.Login(req.Identity, req.Password, req.Support)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{
			Identity: req.Identity,
			Chat:     chat,
			Welcome:  config.WelcomeMessage,
		})
	})

	mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, store.ChatsFor(identity))
	})

	mux.HandleFunc("GET /api/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		chatID, err := pathID(r)
		if err != nil {
			http.Error(w, "bad chat id", http.StatusBadRequest)
			return
		}
		if !store.ChatExists(chatID) {
			http.Error(w, "unknown chat", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, store.MessagesFor(chatID, config.HistoryLimit))
	})

	mux.HandleFunc("POST /api/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		chatID, err := pathID(r)
		if err != nil {
			http.Error(w, "bad chat id", http.StatusBadRequest)
			return
		}
		var msg model.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad message body", http.StatusBadRequest)
			return
		}
		if msg.Sender == "" || msg.Body == "" {
			http.Error(w, "sender and body required", http.StatusBadRequest)
			return
		}
		msg.ChatID = chatID
		saved, err := store.AddMessage(msg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		hub.PushMessage(chatID, saved)
		writeJSON(w, http.StatusCreated, saved)
	})

	mux.HandleFunc("POST /api/messages/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		messageID, err := pathID(r)
		if err != nil {
			http.Error(w, "bad message id", http.StatusBadRequest)
			return
		}
		chatID, ok := store.MarkMessageRead(messageID)
		if !ok {
			http.Error(w, "unknown message", http.StatusNotFound)
			return
		}
		hub.PushReadUpdate(chatID, messageID)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/chats/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		chatID, err := pathID(r)
		if err != nil {
			http.Error(w, "bad chat id", http.StatusBadRequest)
			return
		}
		last, ok := store.MarkChatRead(chatID)
		if !ok {
			http.Error(w, "unknown chat", http.StatusNotFound)
			return
		}
		if last != 0 {
			hub.PushReadUpdate(chatID, last)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})

	return mux
}

func main() {
	configFile := flag.String("config", "server_config.json", "Path to configuration file")
	flag.Parse()

	log, logFile, err := setupLogging()
	if err != nil {
		fmt.Printf("Failed to setup logging: %v\n", err)
		return
	}
	defer logFile.Close()
	slog.SetDefault(log)

	config := NewConfig(*configFile)
	if err := config.Load(); err != nil {
		log.Error("loading config", "error", err)
	}

	store := NewStore(config.DataFile)
	if err := store.Load(); err != nil {
		log.Error("loading store", "error", err)
	}

	hub := NewHub(log)
	go hub.Run()

	server := &http.Server{
		Addr:    config.Addr(),
		Handler: newMux(log, config, store, hub),
	}

	go func() {
		log.Info("server started", "addr", config.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown", "error", err)
	}
	if err := store.Save(); err != nil {
		log.Warn("saving store", "error", err)
	}
}
