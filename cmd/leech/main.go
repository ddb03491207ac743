// Command leech downloads the payload described by a .torrent file to a
// destination directory and exits once every piece has been verified.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullbrane/leech/internal/logging"
	"github.com/nullbrane/leech/internal/meta"
	"github.com/nullbrane/leech/internal/session"
)

func main() {
	setupLogger()

	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <torrent-file> <destination-dir>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2]); err != nil {
		slog.Error("leech exited with error", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, destDir string) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read metainfo: %w", err)
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := slog.Default().With("torrent", mi.Info.Name)

	sess, err := session.New(ctx, mi, destDir, log)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	return sess.Run(ctx)
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
