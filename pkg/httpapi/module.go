package httpapi

import (
	"encoding/json"
	"net/http"

	"smallbiznis-licensing/pkg/health"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	health.Module,
	fx.Invoke(registerHealthEndpoint, registerReadinessEndpoint, registerMetricsEndpoint),
)

func registerHealthEndpoint(mux *runtime.ServeMux) {
	if err := mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}); err != nil {
		zap.L().Error("failed to register health endpoint", zap.Error(err))
	}
}

func registerReadinessEndpoint(mux *runtime.ServeMux, checker *health.Checker) {
	if err := mux.HandlePath(http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h := checker.Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}); err != nil {
		zap.L().Error("failed to register readiness endpoint", zap.Error(err))
	}
}

func registerMetricsEndpoint(mux *runtime.ServeMux) {
	handler := promhttp.Handler()
	if err := mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		handler.ServeHTTP(w, r)
	}); err != nil {
		zap.L().Error("failed to register metrics endpoint", zap.Error(err))
	}
}
