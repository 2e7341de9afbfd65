package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kanzleiportal/authcore/internal/auth"
	"github.com/kanzleiportal/authcore/internal/config"
	"github.com/kanzleiportal/authcore/internal/fieldcrypt"
	"github.com/kanzleiportal/authcore/internal/mail"
	"github.com/kanzleiportal/authcore/internal/oauth"
	"github.com/kanzleiportal/authcore/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Optional .env for local development; real env vars win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	cipher, err := fieldcrypt.New(cfg.EncryptionMasterKey)
	if err != nil {
		return fmt.Errorf("failed to set up field encryption: %w", err)
	}

	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cipher)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	applied, err := ps.Migrate(ctx, migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("migrations complete", "applied", applied)

	// Shared Redis client; counter, cache and mail queue share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	var inner mail.Mailer = &mail.NopMailer{}
	if cfg.SMTP.Host != "" {
		inner = mail.NewSMTPMailer(cfg.SMTP)
	}
	mailer := mail.NewQueuedMailer(inner, rdb, cipher, cfg.MailQueueMax)

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}

	authn, err := buildAuthenticator(cfg, ps, store.NewRedisStore(rdb, cipher), mailer)
	if err != nil {
		return err
	}
	h := &auth.AuthHandler{
		Auth: authn,
		Limiter: &auth.RateLimiter{
			Counter:  store.NewRedisRateLimiter(rdb),
			Policies: cfg.RateLimits,
			Timeout:  cfg.StoreTimeout,
		},
		OAuthProviders: providers,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h)}

	// Background workers stop via bgCtx when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go mailer.StartWorker(bgCtx)
	go sweepExpiredRefreshTokens(bgCtx, ps, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("authcore listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting connections and waits for in-flight requests.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// credentialStore is satisfied by *store.PostgresStore.
type credentialStore interface {
	auth.Store
	auth.RefreshStore
}

// buildAuthenticator assembles the credential services from cfg.
func buildAuthenticator(cfg *config.Config, st credentialStore, cache auth.ProfileCache, mailer mail.Mailer) (*auth.Authenticator, error) {
	hasher, err := auth.NewPasswordHasher(cfg.Argon2)
	if err != nil {
		return nil, fmt.Errorf("invalid argon2 parameters: %w", err)
	}
	tokens, err := auth.NewTokenService(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("invalid token configuration: %w", err)
	}
	return &auth.Authenticator{
		Store:  st,
		Cache:  cache,
		Hasher: hasher,
		Policy: auth.DefaultPasswordPolicy,
		TOTP:   auth.NewTOTPService(cfg.TOTPIssuer),
		Tokens: tokens,
		RefreshTokens: &auth.RefreshLifecycle{
			Store:   st,
			TTL:     cfg.Token.RefreshTTL,
			Timeout: cfg.StoreTimeout,
		},
		Mailer:     mailer,
		Timeout:    cfg.StoreTimeout,
		ProfileTTL: cfg.ProfileCacheTTL,
	}, nil
}

// buildProviders registers the configured OIDC providers by name.
// Discovery runs here, so an unreachable issuer fails startup.
func buildProviders(ctx context.Context, cfg *config.Config) (map[string]oauth.Provider, error) {
	providers := make(map[string]oauth.Provider)
	if cfg.GoogleEnabled() {
		p, err := oauth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set up google provider: %w", err)
		}
		providers[p.Name()] = p
	}
	if cfg.OIDCEnabled() {
		p, err := oauth.NewOIDCProvider(ctx, oauth.OIDCConfig{
			Name:         cfg.OIDCName,
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up %s provider: %w", cfg.OIDCName, err)
		}
		providers[p.Name()] = p
	}
	return providers, nil
}

// refreshSweeper is satisfied by *store.PostgresStore.
type refreshSweeper interface {
	RevokeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// sweepExpiredRefreshTokens soft-revokes expired refresh tokens every interval until
// ctx is done. Rows are kept for the audit trail.
func sweepExpiredRefreshTokens(ctx context.Context, s refreshSweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.RevokeExpiredRefreshTokens(ctx, time.Now())
			if err != nil {
				slog.Warn("refresh token sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("refresh token sweep complete", "revoked", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// Admission control runs before authentication on every limited route.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)

	r.With(h.RateLimit(auth.ClassAPI)).Post("/register", h.Register)
	r.With(h.RateLimit(auth.ClassLogin)).Post("/login", h.Login)
	r.With(h.RateLimit(auth.ClassLogin)).Post("/password/renew", h.RenewPassword)
	r.With(h.RateLimit(auth.ClassAPI)).Post("/token/refresh", h.RefreshToken)

	r.With(h.RateLimit(auth.ClassAPI)).Get("/oauth/{provider}", h.OAuthRedirect)
	r.With(h.RateLimit(auth.ClassLogin)).Get("/oauth/{provider}/callback", h.OAuthCallback)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RateLimit(auth.ClassAPI))
		r.Use(h.RequireAuth)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Post("/password/change", h.ChangePassword)
		r.Post("/mfa/enroll", h.EnrollMFA)
		r.Post("/mfa/confirm", h.ConfirmMFA)
		r.Post("/mfa/disable", h.DisableMFA)
		r.Get("/me", h.Me)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.RateLimit(auth.ClassDownload))
		r.Use(h.RequireAuth)
		r.Get("/documents/{id}/download", h.DownloadDocument)
	})

	return r
}
