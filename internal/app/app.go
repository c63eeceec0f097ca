package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"chatsync/internal/purge"
	"chatsync/pkg/api"
	"chatsync/pkg/auth"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/notify"
	"chatsync/pkg/shutdown"
	"chatsync/pkg/state"
	"chatsync/pkg/store"
	"chatsync/pkg/validation"
)

const defaultTokenTTL = 24 * time.Hour

// App encapsulates the server components and lifecycle.
type App struct {
	eff     config.Effective
	version string

	st        *store.Store
	authSvc   *auth.Service
	registrar *notify.Registrar
	apiSrv    *api.Server

	srv         *http.Server
	purgeCancel context.CancelFunc
}

// New initializes resources that do not require a running context (state
// dirs, pebble store, token issuer, services). It does not start the purge
// scheduler or the HTTP server; call Run to start those and block until
// shutdown.
func New(eff config.Effective, version string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("prepare state dirs at %s: %w", eff.DBPath, err)
	}

	if max := eff.Config.Sync.MaxMessageBytes.Int64(); max > 0 {
		validation.MaxTextBytes = int(max)
	}

	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	secret := eff.Config.Auth.JWTSecret
	if secret == "" {
		// Generate an ephemeral secret so dev setups work out of the box.
		// Sessions do not survive a restart in that mode.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("jwt_secret_generated", "hint", "set CHATSYNC_JWT_SECRET for stable sessions")
	}
	ttl := eff.Config.Auth.TokenTTL.Duration()
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := eff.Config.Auth.Issuer
	if issuer == "" {
		issuer = "chatsync"
	}

	tokens := auth.NewTokenIssuer(secret, issuer, ttl)
	authSvc := auth.NewService(st, tokens)
	registrar := notify.NewRegistrar(st)
	apiSrv := api.NewServer(authSvc, st, registrar, eff.Config)

	return &App{
		eff:       eff,
		version:   version,
		st:        st,
		authSvc:   authSvc,
		registrar: registrar,
		apiSrv:    apiSrv,
	}, nil
}

// Run starts the purge scheduler and the HTTP server, and blocks until ctx
// is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cancel, err := purge.Start(ctx, *a.eff.Config, a.st)
	if err != nil {
		return err
	}
	a.purgeCancel = cancel

	a.printBanner()

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			a.shutdown()
			return err
		}
		a.shutdown()
		return nil
	}
}

// shutdown stops the scheduler, drains the HTTP server and closes the store.
func (a *App) shutdown() {
	if a.purgeCancel != nil {
		a.purgeCancel()
	}
	if a.srv != nil {
		shutdown.Graceful(a.srv, 10*time.Second)
	}
	a.apiSrv.Close()
	if err := a.st.Close(); err != nil {
		logger.Error("store_close_error", "error", err)
	}
	logger.Info("server_stopped")
}
