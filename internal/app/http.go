package app

import (
	"net/http"
	"time"

	"chatsync/pkg/banner"
	"chatsync/pkg/logger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	banner.Print(a.eff.Addr, a.eff.DBPath, a.eff.Source, a.version)
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP() <-chan error {
	a.srv = &http.Server{
		Addr:              a.eff.Addr,
		Handler:           a.apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.eff.Addr)
		errCh <- a.srv.ListenAndServe()
	}()
	return errCh
}
