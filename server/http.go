// Package server exposes the engine's operational endpoint over fasthttp:
// health report, version, metrics export and engine statistics. It is not a
// request path into the engine; parsing traffic stays in-process.
package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-parse/health"
	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// StatsFunc produces the engine statistics snapshot served at /stats.
type StatsFunc func() (interface{}, error)

type OpsServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.ServerConfig
	healthManager   types.HealthManager
	metricsManager  types.MetricsManager
	stats           StatsFunc
	version         string
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewOpsServer(
	ctx context.Context,
	logger types.Logger,
	config *types.ServerConfig,
	healthManager types.HealthManager,
	metricsManager types.MetricsManager,
	stats StatsFunc,
	version string,
) (*OpsServer, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := &OpsServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		healthManager:   healthManager,
		metricsManager:  metricsManager,
		stats:           stats,
		version:         version,
		shutdownTimeout: 5 * time.Second,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (h *OpsServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if h.getState() == StateStarting {
			h.setState(StateRunning)
		}
	}()

	h.server = &fasthttp.Server{
		Handler:      h.mainHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		TCPKeepalive: true,
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.WrapError(err, "ops listener failed")
	}
	h.listener = listener

	go func() {
		if err := h.server.Serve(h.listener); err != nil {
			if h.getState() == StateRunning {
				h.logger.Error("Ops server failed", zap.Error(err))
				h.setState(StateStopped)
			}
		}
	}()

	h.logger.Info("Ops server started", zap.String("address", addr))

	return nil
}

func (h *OpsServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if h.server != nil {
			if h.listener != nil {
				if err := h.listener.Close(); err != nil {
					h.logger.Error("Failed to close listener", zap.Error(err))
				}
			}

			return h.server.ShutdownWithContext(gCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("Ops server stop timeout, some connections may not have drained")
		default:
			h.logger.Error("Error during ops server shutdown", zap.Error(err))
		}
	} else {
		h.logger.Info("Ops server stopped gracefully")
	}

	return nil
}

func (h *OpsServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *OpsServer) mainHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		utils.WriteJSONError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch string(ctx.Path()) {
	case "/health":
		h.handleHealth(ctx)
	case "/version":
		h.handleVersion(ctx)
	case "/metrics":
		h.handleMetrics(ctx)
	case "/stats":
		h.handleStats(ctx)
	default:
		utils.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (h *OpsServer) handleHealth(ctx *fasthttp.RequestCtx) {
	if h.healthManager == nil {
		utils.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "health manager disabled")
		return
	}

	report := h.healthManager.Check(h.ctx)

	body, err := utils.Marshal(report)
	if err != nil {
		h.logger.Error("Failed to encode health report", zap.Error(err))
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "encoding failed")
		return
	}

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, body)
}

func (h *OpsServer) handleVersion(ctx *fasthttp.RequestCtx) {
	body, err := utils.Marshal(map[string]string{
		"version":    h.version,
		"build_info": health.BuildInfoString(),
	})
	if err != nil {
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "encoding failed")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, body)
}

func (h *OpsServer) handleMetrics(ctx *fasthttp.RequestCtx) {
	if h.metricsManager == nil {
		utils.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "metrics disabled")
		return
	}

	body, err := h.metricsManager.GetMetrics()
	if err != nil {
		h.logger.Error("Failed to gather metrics", zap.Error(err))
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "metrics gather failed")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, body)
}

func (h *OpsServer) handleStats(ctx *fasthttp.RequestCtx) {
	if h.stats == nil {
		utils.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "stats unavailable")
		return
	}

	snapshot, err := h.stats()
	if err != nil {
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "stats failed")
		return
	}

	body, err := utils.Marshal(snapshot)
	if err != nil {
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "encoding failed")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, body)
}

func (h *OpsServer) getState() State {
	return h.state.Load().(State)
}

func (h *OpsServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *OpsServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}
