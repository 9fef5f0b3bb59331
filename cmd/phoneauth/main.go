package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/officedir/phoneauth/internal/auth"
	"github.com/officedir/phoneauth/internal/otp"
	"github.com/officedir/phoneauth/internal/store"
	"github.com/officedir/phoneauth/internal/token"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, auth service etc.) to be injected into the HTTP handlers.
type App struct {
	auth  *auth.Service
	store store.Store
	lo    logf.Logger
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	var (
		lo = initLogger(ko.Bool("app.debug"))
		fs = initFS(os.Args[0])
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session store and the OTP lifecycle on top of it.
	st := initStore(lo)

	var oc otp.Config
	ko.UnmarshalWithConf("otp", &oc, koanf.UnmarshalConf{Tag: "json"})
	mgr := otp.NewManager(st, oc, time.Now)

	var tc token.Config
	ko.UnmarshalWithConf("jwt", &tc, koanf.UnmarshalConf{Tag: "json"})
	tokens, err := token.New(tc, time.Now)
	if err != nil {
		lo.Fatal("error initializing token issuer", "error", err)
	}

	var ac auth.Config
	ko.UnmarshalWithConf("app", &ac, koanf.UnmarshalConf{Tag: "json"})

	app := &App{
		auth: auth.New(ac, mgr, tokens,
			initDirectory(ctx, lo),
			initNotifier(ctx, ko.String("app.sender"), ac.DevMode, fs, lo),
			lo),
		store: st,
		lo:    lo,
	}

	if ac.DevMode {
		lo.Warn("dev_mode is enabled. OTPs are returned in API responses")
	}

	// Expired sessions are already invisible to reads. Sweeping just
	// reclaims their space.
	go store.Sweep(ctx, st, ko.Duration("store.sweep_interval"), lo)

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      newRouter(app),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	lo.Info("starting server", "address", srv.Addr, "version", buildString)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lo.Fatal("couldn't start server", "error", err)
	}
}

// newRouter registers the HTTP handlers.
func newRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("phoneauth"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/send-otp", wrap(app, handleSendOTP))
		r.Post("/verify-otp", wrap(app, handleVerifyOTP))
		r.Post("/resend-otp", wrap(app, handleResendOTP))
		r.Post("/refresh", wrap(app, handleRefresh))
		r.Post("/logout", wrap(app, authenticate(handleLogout)))
	})

	return r
}
