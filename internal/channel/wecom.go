package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"wecombridge/internal/metrics"
	"wecombridge/internal/stream"
	"wecombridge/internal/wecom"
)

const maxBodyBytes = 1 << 20

// WeComConfig configures the smart-bot callback server.
type WeComConfig struct {
	Host        string
	Port        int
	Path        string // callback URL path (default: /callback)
	MetricsPath string // empty disables the metrics endpoint
	Codec       *wecom.Codec
	Dispatcher  *Dispatcher
	Registry    *stream.Registry
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	Now         func() time.Time
}

// WeCom serves the callback URL the platform posts encrypted messages to.
type WeCom struct {
	host        string
	port        int
	path        string
	metricsPath string
	codec       *wecom.Codec
	dispatcher  *Dispatcher
	registry    *stream.Registry
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
	server      *http.Server
}

func NewWeCom(cfg WeComConfig) *WeCom {
	if cfg.Path == "" {
		cfg.Path = "/callback"
	}
	if cfg.Port == 0 {
		cfg.Port = 8788
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WeCom{
		host:        cfg.Host,
		port:        cfg.Port,
		path:        cfg.Path,
		metricsPath: cfg.MetricsPath,
		codec:       cfg.Codec,
		dispatcher:  cfg.Dispatcher,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "wecom"),
		now:         cfg.Now,
	}
}

func (w *WeCom) Name() string { return "wecom" }

// Addr is the listen address.
func (w *WeCom) Addr() string {
	return net.JoinHostPort(w.host, strconv.Itoa(w.port))
}

// Handler routes the callback path, health and metrics. Anything else is 404.
func (w *WeCom) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleCallback)
	mux.HandleFunc("/healthz", w.handleHealth)
	if w.metricsPath != "" {
		mux.Handle(w.metricsPath, w.metrics.Handler())
	}
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "not found", http.StatusNotFound)
	})
	return w.recoverer(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (w *WeCom) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.Addr(),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("callback server starting", "addr", w.server.Addr, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("callback server: %w", err)
	}
}

func (w *WeCom) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				w.logger.Error("handler panic", "panic", rec, "stack", string(debug.Stack()))
				http.Error(rw, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

func (w *WeCom) handleCallback(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.handleVerify(rw, r)
	case http.MethodPost:
		w.handleMessage(rw, r)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the URL verification handshake by echoing the
// decrypted echostr.
func (w *WeCom) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	echo := q.Get("echostr")
	if !w.codec.VerifySignature(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), echo) {
		w.logger.Warn("verify: signature mismatch")
		w.metrics.Callback("verify", "forbidden")
		http.Error(rw, "signature mismatch", http.StatusForbidden)
		return
	}
	msg, err := w.codec.DecryptFor(echo)
	if err != nil {
		w.logger.Error("verify: decrypt failed", "err", err)
		w.metrics.Callback("verify", "error")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	w.logger.Info("verify ok")
	w.metrics.Callback("verify", "ok")
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusOK)
	io.WriteString(rw, msg)
}

func (w *WeCom) handleMessage(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	encrypted, err := wecom.ParseEncrypted(body)
	if err != nil {
		w.logger.Warn("callback: bad body", "err", err)
		w.metrics.Callback("", "bad_request")
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	nonce := q.Get("nonce")
	if !w.codec.VerifySignature(q.Get("msg_signature"), q.Get("timestamp"), nonce, encrypted) {
		w.logger.Warn("callback: signature mismatch")
		w.metrics.Callback("", "forbidden")
		http.Error(rw, "signature mismatch", http.StatusForbidden)
		return
	}

	plain, err := w.codec.DecryptFor(encrypted)
	if err != nil {
		w.logger.Error("callback: decrypt failed", "err", err)
		w.metrics.Callback("", "error")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	env, err := wecom.ParseEnvelope(plain)
	if err != nil {
		w.logger.Warn("callback: bad envelope", "err", err)
		w.metrics.Callback("", "bad_request")
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	reply := w.dispatcher.Dispatch(r.Context(), env)
	if reply == nil {
		rw.WriteHeader(http.StatusOK)
		return
	}

	sealed, err := w.codec.Seal(reply, nonce, w.now())
	if err != nil {
		w.logger.Error("callback: seal reply failed", "err", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(sealed)
}

func (w *WeCom) handleHealth(rw http.ResponseWriter, r *http.Request) {
	n := 0
	if w.registry != nil {
		n = w.registry.Len()
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":  "ok",
		"streams": n,
	})
}
