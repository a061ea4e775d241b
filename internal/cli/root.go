// Package cli implements the memstore CLI commands.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/backend"
	"github.com/agentmem/memstore/internal/backend/memindex"
	"github.com/agentmem/memstore/internal/backend/osearch"
	"github.com/agentmem/memstore/internal/config"
	"github.com/agentmem/memstore/internal/embedding"
	"github.com/agentmem/memstore/internal/store"
)

var (
	configPath string
	quietFlag  bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memstore",
	Short: "Namespaced document store with hybrid search",
	Long: "A namespaced key/value document store over a search engine: hybrid\n" +
		"text+vector retrieval, TTL expiry, and per-namespace statistics.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: MEMSTORE_* environment)")
	RootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress operation logs")
}

func logger() *slog.Logger {
	if quietFlag {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// openStore builds a store from configuration: the embedded engine when
// embedded is set, otherwise a client for the configured hosts.
func openStore() (*store.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger()

	var be backend.Backend
	cleanup := func() {}
	if cfg.Embedded {
		if cfg.JournalPath != "" {
			emb, err := memindex.Open(cfg.JournalPath, memindex.WithLogger(log))
			if err != nil {
				return nil, nil, err
			}
			be = emb
			cleanup = func() { emb.Close() }
		} else {
			be = memindex.New(memindex.WithLogger(log))
		}
	} else {
		client, err := osearch.NewClient(cfg.Hosts, cfg.Username, cfg.Password,
			osearch.WithRetry(cfg.MaxRetries, cfg.RetryBackoff),
			osearch.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		be = client
	}

	opts := []store.Option{store.WithLogger(log)}
	if emb := embedding.NewFromEnv(cfg.Dimension); emb != nil {
		opts = append(opts, store.WithEmbedder(emb))
	}
	s, err := store.New(cfg, be, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return s, cleanup, nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
