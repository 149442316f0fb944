package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pksingh99/jirban-jira/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	boardsTable := envOr("BOARDS_TABLE", "boards")
	refreshQueue := envOr("REFRESH_QUEUE", "board-refresh")

	ctx := context.Background()
	if err := storage.Provision(ctx, connStr, boardsTable, refreshQueue); err != nil {
		log.Fatalf("provision: %v", err)
	}

	// Queue a first refresh so the boards are warm when the service starts.
	store, err := storage.New(connStr, boardsTable, refreshQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	for _, key := range strings.Split(os.Getenv("BOARDS"), ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := store.EnqueueRefresh(ctx, key); err != nil {
			log.WithError(err).WithField("board", key).Error("unable to queue initial refresh")
		}
	}

	log.Info("storage init complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
