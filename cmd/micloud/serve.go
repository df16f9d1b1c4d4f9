package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"go-micloud/internal/logging"
	"go-micloud/micloud"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a local HTTP relay to the cloud API with Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.session(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           newRelayMux(a.client, a.log),
				ReadHeaderTimeout: 10 * time.Second,
			}

			fmt.Fprintln(a.out)
			fmt.Fprintf(a.out, "  MiCloud relay (%s)\n", a.client.Country())
			fmt.Fprintf(a.out, "  API:      http://%s/devices, /rpc/{did}, /miot/...\n", addr)
			fmt.Fprintf(a.out, "  Metrics:  http://%s/metrics\n", addr)
			fmt.Fprintln(a.out)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3505", "listen address")
	return cmd
}

// relay exposes the client's device operations over local HTTP.
type relay struct {
	client *micloud.Client
	log    *logging.Logger
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newRelayMux(client *micloud.Client, log *logging.Logger) *http.ServeMux {
	r := &relay{client: client, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /devices", r.handleDevices)
	mux.HandleFunc("GET /devices/{did}", r.handleDevice)
	mux.HandleFunc("POST /rpc/{did}", r.handleRPC)
	mux.HandleFunc("POST /miot/props/get", r.handleGetProps)
	mux.HandleFunc("POST /miot/props/set", r.handleSetProps)
	mux.HandleFunc("POST /miot/action", r.handleAction)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (r *relay) fail(w http.ResponseWriter, req *http.Request, err error) {
	// Anything else is an upstream failure.
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, micloud.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, micloud.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	r.log.WithError(err).WithField("path", req.URL.Path).Warn("relay request failed")
	writeErrorJSON(w, status, err.Error())
}

func (r *relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"authenticated": r.client.IsAuthenticated(),
		"country":       r.client.Country(),
	})
}

func (r *relay) handleDevices(w http.ResponseWriter, req *http.Request) {
	var ids []string
	if did := req.URL.Query()["did"]; len(did) > 0 {
		ids = did
	}
	devices, err := r.client.GetDevices(req.Context(), ids...)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, devices)
}

func (r *relay) handleDevice(w http.ResponseWriter, req *http.Request) {
	device, err := r.client.GetDevice(req.Context(), req.PathValue("did"))
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, device)
}

func (r *relay) handleRPC(w http.ResponseWriter, req *http.Request) {
	var body rpcRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Method == "" {
		writeErrorJSON(w, http.StatusBadRequest, "body must be {\"method\": ..., \"params\": ...}")
		return
	}
	if len(body.Params) == 0 {
		body.Params = json.RawMessage("[]")
	}
	result, err := r.client.MiioCall(req.Context(), req.PathValue("did"), body.Method, body.Params)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, result)
}

func (r *relay) handleGetProps(w http.ResponseWriter, req *http.Request) {
	var params []micloud.PropertyQuery
	if err := json.NewDecoder(req.Body).Decode(&params); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "body must be a list of {did, siid, piid}")
		return
	}
	result, err := r.client.MiotGetProps(req.Context(), params)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, result)
}

func (r *relay) handleSetProps(w http.ResponseWriter, req *http.Request) {
	var params []micloud.PropertyValue
	if err := json.NewDecoder(req.Body).Decode(&params); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "body must be a list of {did, siid, piid, value}")
		return
	}
	result, err := r.client.MiotSetProps(req.Context(), params)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, result)
}

func (r *relay) handleAction(w http.ResponseWriter, req *http.Request) {
	var params micloud.ActionParams
	if err := json.NewDecoder(req.Body).Decode(&params); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "body must be {did, siid, aiid, in}")
		return
	}
	result, err := r.client.MiotAction(req.Context(), params)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeJSON(w, result)
}
