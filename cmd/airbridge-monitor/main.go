// Command airbridge-monitor is a standalone diagnostic viewer for a
// running airbridge process: it accepts status-beacon samples posted by
// airbridge's -monitor-ingest side-channel and re-broadcasts them over a
// bearer-token-gated websocket for ground-side operators watching the
// bridge from a browser during bring-up. It never touches the bridge's
// hot loop and has no effect on bridge behavior if it is not running.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/monitor"
	"github.com/aetheris-systems/airbridge/internal/monitorauth"
)

var (
	wsListen     = flag.String("ws-listen", ":8094", "address the public status websocket listens on")
	ingestListen = flag.String("ingest-listen", "127.0.0.1:8095", "address the bridge's status-frame ingest endpoint listens on (loopback only, no auth)")
	secret       = flag.String("secret", "", "HMAC secret gating the websocket endpoint; empty disables the check")
	issueToken   = flag.Bool("issue-token", false, "print a bearer token signed with -secret, valid for -token-ttl, and exit")
	tokenTTL     = flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
)

func main() {
	flag.Parse()
	logging.Log = logging.New("info", "stdout")

	if *issueToken {
		tok, err := monitorauth.Sign(*secret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	hub := monitor.NewHub(*secret)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go hub.Run(ctx)

	ingestMux := http.NewServeMux()
	ingestMux.Handle("/ingest", monitor.IngestHandler(hub))
	ingestSrv := &http.Server{Addr: *ingestListen, Handler: ingestMux}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/status", hub.HandleWS)
	wsSrv := &http.Server{Addr: *wsListen, Handler: wsMux}

	errCh := make(chan error, 2)
	go func() { errCh <- ingestSrv.ListenAndServe() }()
	go func() { errCh <- wsSrv.ListenAndServe() }()

	logging.Log.WithField("ws", *wsListen).WithField("ingest", *ingestListen).Info("airbridge-monitor listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ingestSrv.Shutdown(shutdownCtx)
		wsSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		logging.Log.WithError(err).Fatal("airbridge-monitor exiting")
	}
}
