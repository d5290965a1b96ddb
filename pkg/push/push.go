// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package push accepts device-token-authenticated telemetry batches
// over HTTP and hands them to the pipeline.
package push

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

var (
	mon = monkit.Package()

	// Error is the class of push endpoint errors
	Error = errs.Class("push error")
)

// maxBodySize caps a single pushed batch.
const maxBodySize = 10 << 20

// Config contains configurable values for the push endpoint.
type Config struct {
	Address            string `help:"address the push endpoint listens on" default:":7070"`
	RegistrationSecret string `help:"secret required to register a device token; empty disables registration" default:""`
}

// Server is the device-facing HTTP endpoint.
type Server struct {
	log      *zap.Logger
	config   Config
	db       *teldb.DB
	raw      rawstore.Store
	registry *registry.Registry
	queue    scheduler.Queue

	server http.Server
}

// NewServer creates a push server.
func NewServer(log *zap.Logger, config Config, db *teldb.DB, raw rawstore.Store, reg *registry.Registry, queue scheduler.Queue) *Server {
	server := &Server{
		log:      log,
		config:   config,
		db:       db,
		raw:      raw,
		registry: reg,
		queue:    queue,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/push/", server.handlePush)
	mux.HandleFunc("/v1/devices/register", server.handleRegister)
	server.server = http.Server{
		Addr:    config.Address,
		Handler: mux,
	}
	return server
}

// Run serves until ctx is done.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("push endpoint listening", zap.String("address", listener.Addr().String()))

	errch := make(chan error)
	go func() { errch <- server.server.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.server.Shutdown(shutdownCtx)
		<-errch
		return nil
	case err := <-errch:
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	}
}

// Handler exposes the mux for tests.
func (server *Server) Handler() http.Handler { return server.server.Handler }

// handlePush accepts one raw batch for a push stream. The payload lands
// in raw storage untouched and a processing task is enqueued.
func (server *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	streamName := strings.TrimPrefix(r.URL.Path, "/v1/push/")
	def, ok := server.registry.Stream(streamName)
	if !ok || def.Ingestion.Type != registry.IngestPush {
		http.Error(w, "unknown push stream", http.StatusNotFound)
		return
	}

	if !server.authenticate(ctx, w, r, def.Source) {
		return
	}

	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		http.Error(w, "body must be json", http.StatusBadRequest)
		return
	}

	connection := r.Header.Get("X-Device-Id")
	if connection == "" {
		connection = "device"
	}

	key, err := server.raw.Put(ctx, def.Source, connection, time.Now().UTC(), body)
	if err != nil {
		server.log.Error("storing pushed payload", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	task, err := scheduler.NewTask(scheduler.KindProcessBatch,
		scheduler.ProcessBatchPayload{Stream: streamName, ObjectKeys: []string{key}})
	if err == nil {
		err = server.queue.Push(ctx, task)
	}
	if err != nil {
		server.log.Error("enqueueing pushed batch", zap.Error(err))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	mon.Counter("push_batches").Inc(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"key": key})
}

// handleRegister stores a device's push token after checking the
// registration secret.
func (server *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if server.config.RegistrationSecret == "" {
		http.Error(w, "registration disabled", http.StatusForbidden)
		return
	}
	if subtle.ConstantTimeCompare(
		[]byte(bearerToken(r)), []byte(server.config.RegistrationSecret)) != 1 {
		http.Error(w, "invalid registration secret", http.StatusUnauthorized)
		return
	}

	var request struct {
		Source string `json:"source"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&request); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	source, ok := server.registry.Source(request.Source)
	if !ok || source.Auth.Type != registry.AuthDeviceToken {
		http.Error(w, "unknown device source", http.StatusNotFound)
		return
	}
	if request.Token == "" {
		http.Error(w, "empty token", http.StatusBadRequest)
		return
	}

	if err := server.db.SetDeviceToken(ctx, request.Source, request.Token); err != nil {
		server.log.Error("storing device token", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	server.log.Info("device registered", zap.String("source", request.Source))
	w.WriteHeader(http.StatusNoContent)
}

// authenticate verifies the device token in constant time.
func (server *Server) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, sourceName string) bool {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing device token", http.StatusUnauthorized)
		return false
	}

	source, err := server.db.GetSource(ctx, sourceName)
	if err != nil {
		http.Error(w, "unknown source", http.StatusUnauthorized)
		return false
	}
	if !source.DeviceToken.Valid ||
		subtle.ConstantTimeCompare([]byte(source.DeviceToken.String), []byte(token)) != 1 {
		mon.Counter("push_auth_failures").Inc(1)
		http.Error(w, "invalid device token", http.StatusUnauthorized)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-Device-Token")
}
