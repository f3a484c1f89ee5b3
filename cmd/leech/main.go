// Command leech downloads a single-file torrent: parse the .torrent,
// announce to its tracker, and drive the swarm to completion.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nilsolo/leech/internal/config"
	"github.com/nilsolo/leech/internal/coordinator"
	"github.com/nilsolo/leech/internal/logging"
	"github.com/nilsolo/leech/internal/metainfo"
	"github.com/nilsolo/leech/internal/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		torrentPath = flag.String("torrent", "", "path to a .torrent file")
		outputPath  = flag.String("out", "", "output file path (default: download dir/<name>)")
		port        = flag.Uint("port", 6881, "local listening port advertised to the tracker")
		numWant     = flag.Uint("numwant", 50, "number of peers to request from the tracker")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	setupLogger(*verbose)

	if *torrentPath == "" {
		slog.Error("missing -torrent flag")
		return 2
	}

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("read torrent file", "error", err)
		return 1
	}

	mi, err := metainfo.Parse(data)
	if err != nil {
		slog.Error("parse torrent file", "error", err)
		return 1
	}

	cfg, err := config.Default()
	if err != nil {
		slog.Error("build config", "error", err)
		return 1
	}

	out := *outputPath
	if out == "" {
		out = filepath.Join(cfg.DefaultDownloadDir, mi.Desc.Name)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tc, err := tracker.New(mi.Announce)
	if err != nil {
		slog.Error("build tracker client", "error", err)
		return 1
	}

	resp, err := tc.Announce(ctx, tracker.AnnounceParams{
		InfoHash: mi.Desc.InfoHash,
		PeerID:   cfg.ClientID,
		Port:     uint16(*port),
		Left:     mi.Desc.TotalLength,
		NumWant:  uint32(*numWant),
		Event:    tracker.EventStarted,
	})
	if err != nil {
		slog.Error("announce", "error", err)
		return 1
	}
	if len(resp.Peers) == 0 {
		slog.Error("tracker returned no peers")
		return 1
	}

	slog.Info("announce ok", "peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers)

	co, err := coordinator.New(mi.Desc, out, cfg, slog.Default())
	if err != nil {
		slog.Error("build coordinator", "error", err)
		return 1
	}

	if err := co.Run(ctx, resp.Peers); err != nil {
		slog.Error("download failed", "error", err)
		return 1
	}

	slog.Info("download complete", "path", out)
	return 0
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
