// Package pprof serves the runtime profiling endpoints on a dedicated
// listener, separate from the metrics server.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	logx "focusbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Addr defaults to a loopback bind. Non-loopback binds are refused
	// unless AllowInsecure is set: the pprof handlers expose heap contents.
	Addr          string
	AllowInsecure bool
}

const defaultAddr = "127.0.0.1:6060"

// StartServer serves /debug/pprof on cfg.Addr until ctx is cancelled.
// Returns without starting anything when the config is disabled or unsafe.
func StartServer(ctx context.Context, log logx.Logger, cfg Config) {
	if !cfg.Enabled {
		return
	}
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !cfg.AllowInsecure && !isLoopback(addr) {
		log.Warn("pprof refused non-loopback bind", logx.String("addr", addr))
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("pprof shutdown failed", logx.Err(err))
		}
	}()

	go func() {
		log.Info("pprof server started", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("pprof server stopped", logx.Err(err))
		}
	}()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
