// Command leech downloads (and seeds) a single torrent from the command
// line: leech -torrent file.torrent -out ./downloads
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/leech/banlist"
	"github.com/prxssh/leech/config"
	"github.com/prxssh/leech/logging"
	"github.com/prxssh/leech/torrent"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	outDir := flag.String("out", "", "download directory (defaults to the configured download dir)")
	port := flag.Uint("port", 0, "TCP port to listen on for incoming peers (0 uses the config default)")
	banPath := flag.String("banlist", "", "path to a JSON file persisting banned peer IPs (optional)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	setupLogger(*verbose)

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "leech: -torrent is required")
		os.Exit(2)
	}

	config.Init()
	if *port != 0 {
		config.Update(func(c *config.Config) { c.Port = uint16(*port) })
	}
	downloadDir := *outDir
	if downloadDir == "" {
		downloadDir = config.Load().DefaultDownloadDir
	}

	if err := run(*torrentPath, downloadDir, *banPath); err != nil {
		slog.Error("leech exited with error", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, downloadDir, banPath string) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	clientID, err := torrent.NewClientID()
	if err != nil {
		return fmt.Errorf("generate client id: %w", err)
	}

	bans, err := openBanlist(banPath)
	if err != nil {
		return fmt.Errorf("open ban list: %w", err)
	}

	t, err := torrent.New(data, downloadDir, clientID, bans)
	if err != nil {
		return fmt.Errorf("load torrent: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportProgress(ctx, t)

	return t.Run(ctx)
}

func openBanlist(path string) (banlist.Store, error) {
	if path == "" {
		return banlist.New(), nil
	}
	return banlist.Open(path)
}

func reportProgress(ctx context.Context, t *torrent.Torrent) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := t.Stats()
			slog.Info("progress",
				"progress_pct", fmt.Sprintf("%.1f", s.Progress),
				"peers", s.Peers,
				"down_kibs", s.DownloadRate/1024,
				"up_kibs", s.UploadRate/1024,
			)
		}
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.Level = slog.LevelDebug
	}

	h := logging.NewHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
