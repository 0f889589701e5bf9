// Command punytunesd runs the punytunes-core managers headless: discovery,
// activation/reconnect, and wire-protocol handling for one streamer and
// one amplifier, with the UI shell's event bus replaced by JSON-lines
// written to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/punytunes/punytunes-core/internal/logutil"
	"github.com/punytunes/punytunes-core/pkg/amplifier"
	"github.com/punytunes/punytunes-core/pkg/messaging"
	"github.com/punytunes/punytunes-core/pkg/store"
	"github.com/punytunes/punytunes-core/pkg/streamer"
)

func main() {
	storePath := flag.String("store", "", "path to the persisted JSON store file (in-memory if unset)")
	flag.Parse()

	logutil.Init()

	st, err := openStore(*storePath)
	if err != nil {
		log.WithError(err).Fatal("Failed to open persisted store")
	}

	bus := newJSONLinesEventBus(os.Stdout)

	streamerMgr := streamer.New(st, bus)
	amplifierMgr := amplifier.New(bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := streamerMgr.Run(ctx); err != nil {
			log.WithError(err).Error("Streamer manager exited with error")
		}
	}()
	go func() {
		defer wg.Done()
		if err := amplifierMgr.Run(ctx); err != nil {
			log.WithError(err).Error("Amplifier manager exited with error")
		}
	}()

	amplifierMgr.Discover()
	streamerMgr.OnUIReady()
	amplifierMgr.OnUIReady()

	log.Info("punytunesd running; press Ctrl-C to stop")
	<-ctx.Done()
	log.Info("Shutdown signal received")

	streamerMgr.ShutDown()
	amplifierMgr.ShutDown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Managers stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Error("Forced exit after shutdown timeout")
	}
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemStore(), nil
	}
	return store.NewJSONFileStore(path)
}

// jsonLinesEventBus forwards every published event as one JSON object per
// line, standing in for the desktop UI shell in a headless run.
type jsonLinesEventBus struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLinesEventBus(w *os.File) *jsonLinesEventBus {
	return &jsonLinesEventBus{enc: json.NewEncoder(w)}
}

func (b *jsonLinesEventBus) Publish(category messaging.Category, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enc.Encode(struct {
		Category messaging.Category `json:"category"`
		Payload  any                `json:"payload"`
	}{Category: category, Payload: payload}); err != nil {
		log.WithError(err).Warn("Failed to encode event bus message")
	}
}
