package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/salmart/salmart-backend/internal/models"
	"github.com/salmart/salmart-backend/pkg/chatclient"
)

// chatcli is a terminal client for the chat API: it prints the conversation with
// one counterparty and sends every line typed on stdin.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	server := flag.String("server", envOr("CHAT_SERVER", "http://localhost:8080"), "API base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	me := flag.String("me", os.Getenv("CHAT_USER"), "your user id")
	with := flag.String("with", "", "counterparty user id")
	dbPath := flag.String("db", envOr("CHAT_CACHE", "chat-cache.db"), "local cache file")
	flag.Parse()

	if *token == "" || *me == "" || *with == "" {
		flag.Usage()
		os.Exit(2)
	}

	store, err := chatclient.OpenSQLiteStore(*dbPath)
	if err != nil {
		log.Fatal("Failed to open local cache:", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *chatclient.Client
	client = chatclient.New(chatclient.Config{
		BaseURL: *server,
		Token:   *token,
		UserID:  *me,
		Store:   store,
	}, chatclient.Handlers{
		OnNewMessage: func(m models.Message) {
			if m.SenderID != *with {
				return
			}
			printMessage(m)
			if err := client.MarkSeen(ctx, *with, []string{m.ID.Hex()}); err != nil {
				log.Printf("mark seen: %v", err)
			}
		},
		OnSeen: func(p models.StatusChangePayload) {
			fmt.Printf("  (seen %d)\n", len(p.MessageIDs))
		},
		OnError: func(kind, detail string) {
			fmt.Printf("  ! %s: %s\n", kind, detail)
		},
	})

	entries, err := client.LoadHistory(ctx, *with)
	if err != nil {
		log.Printf("⚠️  showing cached history: %v", err)
	}
	for _, e := range entries {
		printMessage(e.Message)
	}

	go runSocket(ctx, client, *with)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if _, err := client.Send(ctx, models.Message{ReceiverID: *with, Text: text}); err != nil {
			log.Printf("send: %v", err)
		}
	}
}

// runSocket keeps the socket open, refetching history after every reconnect.
func runSocket(ctx context.Context, client *chatclient.Client, with string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				client.ExpirePending()
			}
		}
	}()

	for ctx.Err() == nil {
		if err := client.Connect(ctx); err != nil {
			log.Printf("connect: %v", err)
		} else {
			if _, err := client.LoadHistory(ctx, with); err != nil {
				log.Printf("refetch: %v", err)
			}
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("connection lost: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func printMessage(m models.Message) {
	fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Text, m.Status)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
