/*
Copyright 2020 The Flux authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/fluxcd/trafficrouter/pkg/controller"
	"github.com/fluxcd/trafficrouter/pkg/hint"
	"github.com/fluxcd/trafficrouter/pkg/kube"
)

const maxRequestSize = 1 << 20

// Router executes the traffic routing requests
type Router interface {
	Execute(ctx context.Context, req controller.Request, sink *zap.SugaredLogger, progress *controller.Progress) (*controller.Response, error)
	Swap(ctx context.Context, req controller.SwapRequest, sink *zap.SugaredLogger, progress *controller.Progress) (*controller.Response, error)
}

type errorResponse struct {
	Error       string               `json:"error"`
	Hint        string               `json:"hint,omitempty"`
	Explanation string               `json:"explanation,omitempty"`
	Execution   *controller.Response `json:"execution,omitempty"`
}

// NewHandler returns the HTTP API of the traffic router. Requests naming a kubeconfig
// or an API server address are rejected unless allowClusterOverride is set.
func NewHandler(router Router, allowClusterOverride bool, logger *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/trafficrouting", func(w http.ResponseWriter, r *http.Request) {
		var req controller.Request
		if err := decodeRequest(r, &req); err != nil {
			writeError(w, nil, err, logger)
			return
		}
		if err := checkInfra(req.Infra, allowClusterOverride); err != nil {
			writeError(w, nil, err, logger)
			return
		}
		resp, err := router.Execute(r.Context(), req, logger, controller.NewProgress())
		if err != nil {
			writeError(w, resp, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp, logger)
	})

	mux.HandleFunc("POST /api/trafficrouting/swap", func(w http.ResponseWriter, r *http.Request) {
		var req controller.SwapRequest
		if err := decodeRequest(r, &req); err != nil {
			writeError(w, nil, err, logger)
			return
		}
		if err := checkInfra(req.Infra, allowClusterOverride); err != nil {
			writeError(w, nil, err, logger)
			return
		}
		resp, err := router.Swap(r.Context(), req, logger, controller.NewProgress())
		if err != nil {
			writeError(w, resp, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp, logger)
	})

	return mux
}

// decodeRequest reads a JSON or YAML request body
func decodeRequest(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return hint.InvalidArgumentf("reading request body failed: %v", err)
	}
	if len(body) == 0 {
		return hint.InvalidArgumentf("request body is empty")
	}
	if err := yaml.Unmarshal(body, v); err != nil {
		return hint.InvalidArgumentf("decoding request failed: %v", err)
	}
	return nil
}

// checkInfra refuses the cluster connection settings a remote caller could use
// to point the server at arbitrary hosts or files
func checkInfra(infra kube.InfraConfig, allowClusterOverride bool) error {
	if allowClusterOverride {
		return nil
	}
	if infra.Kubeconfig != "" {
		return hint.InvalidArgumentf("infra.kubeconfig is not accepted by this server")
	}
	if infra.MasterURL != "" {
		return hint.InvalidArgumentf("infra.masterURL is not accepted by this server")
	}
	return nil
}

func writeError(w http.ResponseWriter, resp *controller.Response, err error, logger *zap.SugaredLogger) {
	status := http.StatusInternalServerError
	switch {
	case hint.IsUserError(err):
		status = http.StatusBadRequest
	case hint.HintOf(err) != "":
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, errorResponse{
		Error:       err.Error(),
		Hint:        hint.HintOf(err),
		Explanation: hint.ExplanationOf(err),
		Execution:   resp,
	}, logger)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger *zap.SugaredLogger) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("response encoding failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// ListenAndServe starts a web server and waits for SIGTERM
func ListenAndServe(port string, timeout time.Duration, router Router, allowClusterOverride bool, logger *zap.SugaredLogger, stopCh <-chan struct{}) {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      NewHandler(router, allowClusterOverride, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 1 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	logger.Infof("Starting HTTP server on port %s", port)

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server crashed %v", err)
		}
	}()

	// wait for SIGTERM or SIGINT
	<-stopCh
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server graceful shutdown failed %v", err)
	} else {
		logger.Info("HTTP server stopped")
	}
}

// Describe formats an execution result for the command line
func Describe(resp *controller.Response, err error) string {
	if err == nil {
		data, _ := yaml.Marshal(resp)
		return string(data)
	}
	data, _ := yaml.Marshal(errorResponse{
		Error:       err.Error(),
		Hint:        hint.HintOf(err),
		Explanation: hint.ExplanationOf(err),
		Execution:   resp,
	})
	return string(data)
}
