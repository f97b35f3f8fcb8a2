package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/pipcam/pipcam/pkg/config/monitoring"
	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Monitoring struct {
	conf   monitoring.Config
	server *http.Server
	ln     net.Listener
	log    *logger.Logger
}

// New creates new monitoring service.
func New(conf monitoring.Config, log *logger.Logger) *Monitoring {
	m := Monitoring{conf: conf, log: log.Module("mon")}
	m.server = &http.Server{Addr: fmt.Sprintf(":%d", conf.Port), ReadHeaderTimeout: 10 * time.Second}
	m.server.Handler = m.handler()
	return &m
}

func (m *Monitoring) handler() http.Handler {
	h := http.NewServeMux()
	if m.conf.ProfilingEnabled {
		prefix := fmt.Sprintf("%s/debug/pprof", m.conf.URLPrefix)
		m.log.Info().Msgf("profiling is enabled at %v", m.server.Addr+prefix)
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		// named profiles don't work under a custom prefix with Index alone
		for _, p := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			h.Handle(prefix+"/"+p, pprof.Handler(p))
		}
	}
	if m.conf.MetricEnabled {
		metricPath := fmt.Sprintf("%s/metrics", m.conf.URLPrefix)
		m.log.Info().Msgf("prometheus metric is enabled at %v", m.server.Addr+metricPath)
		h.Handle(metricPath, promhttp.Handler())
	}
	return h
}

// Run starts serving in the background.
func (m *Monitoring) Run() {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		m.log.Error().Err(err).Msg("monitoring server")
		return
	}
	m.ln = ln
	m.log.Info().Msgf("starting monitoring server at %v", ln.Addr())
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error().Err(err).Msg("monitoring server")
		}
	}()
}

// Addr is the listening address once running.
func (m *Monitoring) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Debug().Msg("shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
