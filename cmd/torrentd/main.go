// Command torrentd downloads (and then seeds) a single .torrent file from
// the command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/christf/ttorrent/client"
	"github.com/christf/ttorrent/swarm"
	"github.com/christf/ttorrent/torrent"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	dataDir := flag.String("data-dir", "./downloads", "directory to store downloaded/seeded data under")
	maxPeers := flag.Int("max-peers", 200, "maximum number of tracked peer connections per torrent")
	maxDownloaders := flag.Int("max-downloaders", 4, "number of peers unchoked at once, per SPEC_FULL.md's max_downloaders_unchoke tunable")
	unchokePeriod := flag.Duration("unchoke-period", swarm.DefaultUnchokePeriod, "how often the choke scheduler re-evaluates unchoke decisions")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "torrentd: -torrent is required")
		flag.Usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	f, err := os.Open(*torrentPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *torrentPath).Msg("open torrent file")
	}
	defer f.Close()

	tor, err := torrent.New(f)
	if err != nil {
		log.Fatal().Err(err).Msg("parse torrent file")
	}

	choke := swarm.DefaultChokeConfig()
	choke.MaxDownloadersUnchoke = *maxDownloaders
	choke.UnchokePeriod = *unchokePeriod

	c, err := client.New(client.Config{
		DataDir:  *dataDir,
		Fs:       afero.NewOsFs(),
		Choke:    choke,
		MaxPeers: *maxPeers,
		Logger:   log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build client")
	}

	events := make(client.ClientListener, 32)
	c.AddListener(events)
	go func() {
		for evt := range events {
			switch e := evt.(type) {
			case client.TorrentStateChanged:
				log.Info().
					Str("torrent", e.InfoHashHex).
					Str("phase", e.Event.Phase.String()).
					Int("completed", e.Event.Completed).
					Int("total", e.Event.Total).
					Msg("torrent state changed")
			case client.ClientStateChanged:
				log.Info().Str("state", e.State.String()).Msg("client state changed")
			}
		}
	}()

	if err := c.Start(); err != nil {
		log.Fatal().Err(err).Msg("start client")
	}

	hash, err := c.AddTorrent(tor)
	if err != nil {
		log.Fatal().Err(err).Msg("add torrent")
	}
	log.Info().Str("torrent", hash).Str("name", tor.MetaInfo.Info.Name).Msg("torrent added")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	if err := c.Stop(); err != nil {
		log.Error().Err(err).Msg("stop client")
	}
}
