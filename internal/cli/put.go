package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentmem/memstore/internal/model"
	"github.com/agentmem/memstore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [value-json]",
		Short: "Store an item",
		Long:  "Store an item. The value is a JSON object, given positionally or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace path, e.g. prefs/user_123 (required)")
	cmd.Flags().StringP("key", "k", "", "Item key (required)")
	cmd.Flags().String("meta", "", "JSON metadata object")
	cmd.Flags().Float64("ttl", 0, "TTL in minutes (0 uses the configured default)")
	cmd.Flags().Bool("pin-ttl", false, "Keep the existing expiry on overwrite")

	cmd.MarkFlagRequired("ns")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	nsPath, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	metaStr, _ := cmd.Flags().GetString("meta")
	ttlMinutes, _ := cmd.Flags().GetFloat64("ttl")
	pinTTL, _ := cmd.Flags().GetBool("pin-ttl")

	var raw string
	if len(args) > 0 {
		raw = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			raw = string(b)
		}
	}
	if strings.TrimSpace(raw) == "" {
		exitErr("put", fmt.Errorf("value is required (positional arg or stdin)"))
	}

	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		exitErr("parse value", err)
	}
	var meta map[string]any
	if metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			exitErr("parse metadata", err)
		}
	}

	p := store.PutParams{
		Namespace: model.ParseNamespace(nsPath),
		Key:       key,
		Value:     value,
		Metadata:  meta,
		PinTTL:    pinTTL,
	}
	if cmd.Flags().Changed("ttl") {
		p.TTLMinutes = &ttlMinutes
	}

	s, cleanup, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer cleanup()

	item, err := s.Put(cmd.Context(), p)
	if err != nil {
		exitErr("put", err)
	}
	b, _ := json.Marshal(item)
	fmt.Println(string(b))
}
