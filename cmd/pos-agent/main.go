package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/posware/pos-agent/internal/authclient"
	"github.com/posware/pos-agent/internal/config"
	apperrors "github.com/posware/pos-agent/internal/errors"
	"github.com/posware/pos-agent/internal/identity"
	"github.com/posware/pos-agent/internal/logging"
	"github.com/posware/pos-agent/internal/pos"
	"github.com/posware/pos-agent/internal/secrets"
	"github.com/posware/pos-agent/internal/session"
	"github.com/posware/pos-agent/internal/state"
)

var Version = "dev"

const usage = `usage: pos-agent <command>

commands:
  login       sign in to the identity provider and establish both backend sessions
  status      show current session state
  refresh     force-refresh both backend sessions
  logout      tear down all sessions and stored credentials
  inventory   list inventory from the main backend
  orders      list unpaid orders from the main backend
  accessories list accessories from the sequelizer backend
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Debug("pos-agent starting",
		slog.String("version", Version),
		slog.String("command", command),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch command {
	case "login":
		return app.login(ctx, cfg.Email, cfg.Password)
	case "status":
		return app.status(os.Stdout)
	case "refresh":
		return app.coordinator.Login(ctx)
	case "logout":
		app.coordinator.Logout(ctx)
		return nil
	case "inventory":
		return app.inventory(ctx, os.Stdout)
	case "orders":
		return app.orders(ctx, os.Stdout)
	case "accessories":
		return app.accessories(ctx, os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// app holds the wired dependency graph for one invocation. Everything
// is constructed explicitly here; no package-level singletons.
type app struct {
	st          *state.Store
	provider    *identity.Client
	main        *authclient.Service
	sequelizer  *authclient.Service
	coordinator *authclient.Coordinator
	domain      *pos.Client
	identityC   *secrets.Cipher
	logger      *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := openState(cfg)
	if err != nil {
		return nil, err
	}

	masterKey, err := secrets.LoadOrCreateKey(st, logger)
	if errors.Is(err, apperrors.ErrKeyUnavailable) {
		// An unreadable key means every stored credential is already
		// lost. Reset the profile and start clean rather than carry
		// ciphertext nothing can open.
		logger.Error("stored encryption key unreadable; resetting profile, sign in again",
			slog.Any("error", err),
		)

		if err := resetProfile(st, logger); err != nil {
			st.Close()
			return nil, err
		}

		masterKey, err = secrets.LoadOrCreateKey(st, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	} else if err != nil {
		st.Close()
		return nil, err
	}

	identityCipher, err := secrets.NewCipher(masterKey, "identity")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating identity cipher: %w", err)
	}

	credential := loadIdentityCredential(st, identityCipher, logger)
	provider := identity.NewClient(cfg.IdentityURL, cfg.IdentityAPIKey, credential, nil, logger)
	directory := identity.NewHTTPDirectory(cfg.DirectoryURL, cfg.IdentityAPIKey, nil, logger)

	main, err := newService(authclient.ServiceConfig{
		Name:            "main",
		BaseURL:         cfg.MainAPIURL,
		LoginPath:       "/api/firebase-auth/",
		CookieName:      "auth_session",
		StoragePrefix:   "auth_tokens_",
		HasRefreshToken: true,
	}, masterKey, st, provider, directory, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	sequelizer, err := newService(authclient.ServiceConfig{
		Name:          "sequelizer",
		BaseURL:       cfg.SequelizerAPIURL,
		LoginPath:     "/nodeapp/authenticate",
		CookieName:    "sequal_session",
		StoragePrefix: "sequal_tokens_",
		SendCookies:   true,
	}, masterKey, st, provider, directory, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	coordinator := authclient.NewCoordinator(main, sequelizer, provider, st, logger)
	coordinator.OnLoggedOut = func() {
		if err := st.DeleteIdentitySession(); err != nil {
			logger.Warn("deleting stored identity credential failed", slog.Any("error", err))
		}

		logger.Info("logged out; run `pos-agent login` to start a new session")
	}

	domain := pos.NewClient(main.HTTPClient(), cfg.MainAPIURL, sequelizer.HTTPClient(), cfg.SequelizerAPIURL, logger)

	secrets.ZeroKey(masterKey)

	return &app{
		st:          st,
		provider:    provider,
		main:        main,
		sequelizer:  sequelizer,
		coordinator: coordinator,
		domain:      domain,
		identityC:   identityCipher,
		logger:      logger,
	}, nil
}

func (a *app) Close() {
	if err := a.st.Close(); err != nil {
		a.logger.Warn("closing state db failed", slog.Any("error", err))
	}
}

func openState(cfg *config.Config) (*state.Store, error) {
	if cfg.StatePath != "" {
		st, err := state.OpenAt(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening state: %w", err)
		}

		return st, nil
	}

	st, err := state.Open()
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	return st, nil
}

func newService(cfg authclient.ServiceConfig, masterKey []byte, st *state.Store, provider identity.Provider, directory identity.Directory, logger *slog.Logger) (*authclient.Service, error) {
	cipher, err := secrets.NewCipher(masterKey, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("creating %s cipher: %w", cfg.Name, err)
	}

	cookies := session.NewCookieStore(st, logger)
	tokens := session.NewTokenStore(session.Config{
		CookieName:    cfg.CookieName,
		StoragePrefix: cfg.StoragePrefix,
		HasRefresh:    cfg.HasRefreshToken,
	}, cipher, st, cookies, logger)

	return authclient.NewService(cfg, tokens, provider, directory, nil, logger), nil
}

// resetProfile wipes every stored credential: token bundles, cookies,
// the identity credential, and the unreadable key itself.
func resetProfile(st *state.Store, logger *slog.Logger) error {
	for _, prefix := range []string{"auth_tokens_", "sequal_tokens_"} {
		if n, err := st.DeleteTokenPrefix(prefix); err != nil {
			return fmt.Errorf("sweeping %s entries: %w", prefix, err)
		} else if n > 0 {
			logger.Debug("swept unrecoverable tokens", slog.String("prefix", prefix), slog.Int("count", n))
		}
	}

	for _, cookie := range []string{"auth_session", "sequal_session"} {
		if err := st.DeleteCookie(cookie); err != nil {
			return fmt.Errorf("deleting cookie %s: %w", cookie, err)
		}
	}

	if err := st.DeleteIdentitySession(); err != nil {
		return fmt.Errorf("deleting identity credential: %w", err)
	}

	if err := st.DeleteEncryptionKey(); err != nil {
		return fmt.Errorf("deleting encryption key: %w", err)
	}

	return nil
}

// loadIdentityCredential decrypts the stored identity refresh
// credential, or returns "" when none exists or it cannot be opened.
func loadIdentityCredential(st *state.Store, cipher *secrets.Cipher, logger *slog.Logger) string {
	enc := st.IdentitySession()
	if enc == "" {
		return ""
	}

	credential, err := cipher.Decrypt(enc)
	if err != nil {
		logger.Warn("stored identity credential unreadable, dropping it", slog.Any("error", err))

		if err := st.DeleteIdentitySession(); err != nil {
			logger.Warn("deleting identity credential failed", slog.Any("error", err))
		}

		return ""
	}

	return credential
}

// saveIdentityCredential persists the provider's refresh credential
// encrypted, so later invocations can restore the session without a
// password.
func (a *app) saveIdentityCredential() {
	credential := a.provider.RefreshCredential()
	if credential == "" {
		return
	}

	enc, err := a.identityC.Encrypt(credential)
	if err != nil {
		a.logger.Warn("encrypting identity credential failed", slog.Any("error", err))
		return
	}

	if err := a.st.SetIdentitySession(enc); err != nil {
		a.logger.Warn("persisting identity credential failed", slog.Any("error", err))
	}
}

func (a *app) login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("POS_EMAIL and POS_PASSWORD are required for login")
	}

	user, err := a.provider.SignIn(ctx, email, password)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	a.logger.Info("signed in", slog.String("uid", user.UID), slog.String("email", user.Email))

	if err := a.coordinator.Login(ctx); err != nil {
		return err
	}

	a.saveIdentityCredential()

	fmt.Println("logged in")

	return nil
}

func (a *app) status(out *os.File) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "SERVICE\tSESSION\tAGE")

	for _, svc := range []*authclient.Service{a.main, a.sequelizer} {
		name := svc.Config().Name

		if svc.AccessToken() == "" {
			fmt.Fprintf(w, "%s\tnone\t-\n", name)
			continue
		}

		age, ok := svc.SessionAge()
		if !ok {
			fmt.Fprintf(w, "%s\tactive\t-\n", name)
			continue
		}

		fmt.Fprintf(w, "%s\tactive\t%s\n", name, age.Round(time.Second))
	}

	return nil
}

func (a *app) inventory(ctx context.Context, out *os.File) error {
	items, err := a.domain.Inventory(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tNAME\tPRICE\tQTY")

	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", item.ID, item.Name, item.Price, item.Quantity)
	}

	return nil
}

func (a *app) orders(ctx context.Context, out *os.File) error {
	orders, err := a.domain.UnpaidOrders(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tCUSTOMER\tTOTAL\tCREATED")

	for _, order := range orders {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", order.ID, order.Customer, order.Total, order.CreatedAt.Format(time.RFC3339))
	}

	return nil
}

func (a *app) accessories(ctx context.Context, out *os.File) error {
	accessories, err := a.domain.Accessories(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tNAME\tPRICE\tSTOCK")

	for _, acc := range accessories {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", acc.ID, acc.Name, acc.Price, acc.Stock)
	}

	return nil
}
