package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shell-sync/shell-sync/internal/config"
)

func NewHTTPServer(cfg config.RelayConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func Run(cfg config.RelayConfig, handler http.Handler) error {
	srv := NewHTTPServer(cfg, handler)
	return srv.ListenAndServe()
}
