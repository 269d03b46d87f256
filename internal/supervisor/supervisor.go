// Package supervisor owns the TCP accept loop for one Stratum port and
// the graceful-drain shutdown sequence for every session it has
// accepted. Each configured port gets its own Instance so its job
// registry and extranonce allocator are scoped to that port rather than
// shared pool-wide global state.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/metrics"
	"github.com/kaspa-stratum/bridge/internal/session"
)

// Instance accepts connections on one port and runs a Session for each.
type Instance struct {
	port           int
	maxConnections int
	drainWindow    time.Duration
	tlsConfig      *tls.Config
	deps           session.Deps
	logger         *zap.Logger
	metrics        *metrics.Metrics

	listener net.Listener
	sessions sync.Map // session id -> *session.Session
	count    int
	countMu  sync.Mutex
	wg       sync.WaitGroup
}

// Config bundles an Instance's construction parameters.
type Config struct {
	Port           int
	MaxConnections int
	DrainWindow    time.Duration
	TLSConfig      *tls.Config
}

// NewInstance builds an Instance bound to its own session.Deps (which
// should already carry a port-scoped job registry and extranonce
// allocator).
func NewInstance(cfg Config, deps session.Deps, m *metrics.Metrics, logger *zap.Logger) *Instance {
	return &Instance{
		port:           cfg.Port,
		maxConnections: cfg.MaxConnections,
		drainWindow:    cfg.DrainWindow,
		tlsConfig:      cfg.TLSConfig,
		deps:           deps,
		metrics:        m,
		logger:         logger.With(zap.Int("port", cfg.Port)),
	}
}

// ListenAndServe opens the listener and accepts connections until ctx
// is canceled, at which point it drains every open session and returns.
func (i *Instance) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", i.port)

	var listener net.Listener
	var err error
	if i.tlsConfig != nil {
		listener, err = tls.Listen("tcp", addr, i.tlsConfig)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("supervisor: listen on %s: %w", addr, err)
	}
	i.listener = listener
	i.logger.Info("stratum instance listening")

	go func() {
		<-ctx.Done()
		i.listener.Close()
	}()

	for {
		conn, err := i.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				i.drain(ctx)
				return nil
			}
			i.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if i.atCapacity() {
			conn.Close()
			continue
		}

		i.wg.Add(1)
		go i.serve(ctx, conn)
	}
}

func (i *Instance) atCapacity() bool {
	if i.maxConnections <= 0 {
		return false
	}
	i.countMu.Lock()
	defer i.countMu.Unlock()
	return i.count >= i.maxConnections
}

func (i *Instance) serve(ctx context.Context, conn net.Conn) {
	defer i.wg.Done()

	i.countMu.Lock()
	i.count++
	i.countMu.Unlock()

	s := session.New(conn, i.deps)
	i.sessions.Store(s.ID(), s)

	defer func() {
		i.sessions.Delete(s.ID())
		i.countMu.Lock()
		i.count--
		i.countMu.Unlock()
	}()

	s.Run(ctx)
}

// drain marks every open session draining and waits up to drainWindow
// for in-flight work to settle, then forces every remaining connection
// closed.
func (i *Instance) drain(ctx context.Context) {
	i.sessions.Range(func(_, v interface{}) bool {
		v.(*session.Session).Drain()
		return true
	})

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(i.drainWindow):
		i.logger.Warn("drain window elapsed, forcing remaining sessions closed")
		i.sessions.Range(func(_, v interface{}) bool {
			v.(*session.Session).Close()
			return true
		})
		<-done
	}
}

// SessionCount returns the number of currently active sessions.
func (i *Instance) SessionCount() int {
	i.countMu.Lock()
	defer i.countMu.Unlock()
	return i.count
}

// Supervisor runs a fixed set of Instances and coordinates their
// shutdown.
type Supervisor struct {
	instances []*Instance
	logger    *zap.Logger
}

// New builds a Supervisor over the given instances.
func New(instances []*Instance, logger *zap.Logger) *Supervisor {
	return &Supervisor{instances: instances, logger: logger}
}

// Run starts every instance and blocks until all of them have returned
// (which happens once ctx is canceled and each instance finishes
// draining).
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range s.instances {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inst.ListenAndServe(ctx); err != nil {
				s.logger.Error("stratum instance exited with error", zap.Error(err))
			}
		}()
	}
	wg.Wait()
}
