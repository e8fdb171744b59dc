package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mtzanidakis/clawreform/internal/backup"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/store"
)

// openStore opens the configured store outside the gateway. The nats
// backend dials the gateway's embedded server.
func openStore(ctx context.Context, cfgPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	host := cfg.NATS.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	natsURL := "nats://" + net.JoinHostPort(host, strconv.Itoa(cfg.NATS.Port))
	st, err := store.Open(ctx, cfg.Store, natsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func runBackup(args []string) error {
	fs := pflag.NewFlagSet("backup", pflag.ContinueOnError)
	cfgPath := configFlag(fs)
	outputPath := fs.StringP("file", "f", "", "output archive (.tar.zst)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: clawreform backup -f <output.tar.zst> [-c config]\n")
		return fmt.Errorf("missing -f flag")
	}

	ctx := context.Background()
	_, st, err := openStore(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := backupTo(ctx, st, *outputPath, time.Now())
	if err != nil {
		return err
	}

	size := int64(0)
	if info, err := os.Stat(*outputPath); err == nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d documents, %s\n", n, backup.FormatSize(size))
	return nil
}

// backupTo archives every known document of src into path and returns how
// many were present.
func backupTo(ctx context.Context, src backup.Source, path string, now time.Time) (int, error) {
	docs, err := backup.Dump(ctx, src, documentKeys)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, fmt.Errorf("store is empty, nothing to back up")
	}
	if err := backup.WriteFile(path, docs, now); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func runRestore(args []string) error {
	fs := pflag.NewFlagSet("restore", pflag.ContinueOnError)
	cfgPath := configFlag(fs)
	inputPath := fs.StringP("file", "f", "", "archive to restore (.tar.zst)")
	overwrite := fs.Bool("overwrite", false, "replace documents already in the store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: clawreform restore -f <backup.tar.zst> [--overwrite] [-c config]\n")
		return fmt.Errorf("missing -f flag")
	}

	ctx := context.Background()
	_, st, err := openStore(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	restored, err := restoreFrom(ctx, st, *inputPath, *overwrite)
	if err != nil {
		return err
	}
	if len(restored) == 0 {
		fmt.Println("Archive contains no documents.")
		return nil
	}
	fmt.Printf("Restore complete: %s\n", strings.Join(restored, ", "))
	return nil
}

// restoreFrom loads the archive at path into dst. Without overwrite it
// refuses to replace a document that already exists.
func restoreFrom(ctx context.Context, dst backup.Source, path string, overwrite bool) ([]string, error) {
	docs, err := backup.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	if !overwrite {
		for key := range docs {
			existing, err := dst.LoadRaw(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("check %s: %w", key, err)
			}
			if existing != nil {
				return nil, fmt.Errorf("document %s already exists, add --overwrite to replace it", key)
			}
		}
	}

	return backup.Restore(ctx, dst, docs, documentKeys)
}
