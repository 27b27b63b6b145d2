package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"btcore"
	"btcore/internal/engine"
	"btcore/internal/metainfo"
	"btcore/internal/peerid"
	"btcore/internal/storage"
	"btcore/internal/tracker"
	"btcore/internal/xlog"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path-to-torrent-file> [output-dir]\n", os.Args[0])
		os.Exit(1)
	}

	torrentPath := os.Args[1]
	outputDir := "."
	if len(os.Args) >= 3 {
		outputDir = os.Args[2]
	}

	if err := run(torrentPath, outputDir); err != nil {
		log.Fatalf("[FAIL]\t%v\n", err)
	}
}

func run(torrentPath, outputDir string) error {
	info, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}

	localID, err := peerid.Generate()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	cfg := btcore.DefaultConfig()

	outputPath := filepath.Join(outputDir, info.Name)
	store, err := storage.Open(outputPath, info.PieceLength, info.TotalLength, info)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	colorstring.Printf("[green]%s[reset] (%d pieces, %d bytes)\n", info.Name, info.NumPieces(), info.TotalLength)
	colorstring.Printf("info hash: [cyan]%x[reset]\n", info.InfoHash)

	eng := engine.New(cfg, info, store, tracker.NewClient(), localID, xlog.New("engine"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bar := progressbar.DefaultBytes(info.TotalLength, "downloading")
	done := make(chan struct{})
	go reportProgress(eng, bar, done)
	defer close(done)

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("engine: %w", err)
	}

	if store.Complete() {
		colorstring.Println("[green]download complete[reset]")
	}
	return nil
}

// reportProgress polls the engine's atomically-updated remaining-bytes
// counter and reflects it onto the terminal progress bar until done is
// closed.
func reportProgress(eng *engine.Engine, bar *progressbar.ProgressBar, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	total := eng.TotalLength()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			completed := total - eng.BytesRemaining()
			bar.Set64(completed)
		}
	}
}
