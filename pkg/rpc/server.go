package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"hyperg/pkg/engine"
	"hyperg/pkg/metrics"
	"hyperg/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3292

	// maxBodySize bounds command bodies.
	maxBodySize = 1 << 20

	requestIDHeader = "X-Request-Id"
)

// API is the engine surface the control plane drives.
type API interface {
	ID() string
	Addresses() []string
	Upload(ctx context.Context, files []types.File) (string, error)
	UploadExisting(ctx context.Context, keyHex string) (string, error)
	Download(ctx context.Context, req engine.DownloadRequest) ([]string, error)
	Cancel(ctx context.Context, keyHex string) (string, error)
}

// Server serves control plane commands over HTTP.
type Server struct {
	api     API
	logger  *zap.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a control plane server for api. Metrics may be nil, in
// which case /metrics is not mounted.
func NewServer(api API, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		api:     api,
		logger:  logger.With(zap.String("component", "rpc")),
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleCommand)
	if s.metrics != nil {
		s.metrics.RegisterHandlers(s.mux)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds addr. A bind failure is fatal for the daemon.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = lis
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve answers requests until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	server, lis := s.server, s.listener
	s.mu.Unlock()
	if server == nil {
		return errors.New("rpc server is not listening")
	}

	s.logger.Info("Control plane listening", zap.String("address", lis.Addr().String()))
	if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting commands and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server, lis := s.server, s.listener
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	// Serve may never have run; the listener is then still open.
	lis.Close()
	return err
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set(requestIDHeader, requestID)
	logger := s.logger.With(zap.String("request_id", requestID))

	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "unknown path")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "Invalid request method")
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		writeError(w, http.StatusBadRequest, "Invalid content type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Debug("Command received", zap.String("command", req.Command()))
	status, resp := s.dispatch(r.Context(), req, logger)
	writeJSON(w, status, resp)
}

// dispatch runs req against the API and builds the response.
func (s *Server) dispatch(ctx context.Context, req Request, logger *zap.Logger) (int, Response) {
	switch req := req.(type) {
	case IDRequest:
		return http.StatusOK, Response{ID: s.api.ID()}

	case AddressesRequest:
		return http.StatusOK, Response{Addresses: s.api.Addresses()}

	case UploadRequest:
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, millis(req.Timeout))
			defer cancel()
		}
		var hash string
		var err error
		if req.Hash != "" {
			hash, err = s.api.UploadExisting(ctx, req.Hash)
		} else {
			hash, err = s.api.Upload(ctx, uploadFiles(req.Files))
		}
		if err != nil {
			return failure(logger, req.Hash, err)
		}
		logger.Info("Upload complete", zap.String("id", req.ID), zap.String("hash", hash))
		return http.StatusOK, Response{Hash: hash}

	case DownloadRequest:
		peers, err := req.peers(logger)
		if err != nil {
			return failure(logger, req.Hash, err)
		}
		files, err := s.api.Download(ctx, engine.DownloadRequest{
			Key:      req.Hash,
			Dest:     req.Dest,
			Peers:    peers,
			MaxBytes: req.Size,
			Timeout:  millis(req.Timeout),
		})
		if err != nil {
			return failure(logger, req.Hash, err)
		}
		return http.StatusOK, Response{Files: files}

	case CancelRequest:
		hash, err := s.api.Cancel(ctx, req.Hash)
		if err != nil {
			return failure(logger, req.Hash, err)
		}
		return http.StatusOK, Response{OK: hash}

	default:
		return http.StatusBadRequest, Response{Error: errInvalidCommand.Error()}
	}
}

// uploadFiles orders files by source path so archives built from the same
// request are laid out identically.
func uploadFiles(files map[string]string) []types.File {
	out := make([]types.File, 0, len(files))
	for source, name := range files {
		out = append(out, types.File{Source: source, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func failure(logger *zap.Logger, hash string, err error) (int, Response) {
	if errors.Is(err, types.ErrNotFound) {
		logger.Debug("Command target not found", zap.String("hash", hash))
		return http.StatusNotFound, Response{NotFound: hash}
	}
	logger.Warn("Command failed", zap.String("hash", hash), zap.Error(err))
	return http.StatusBadRequest, Response{Error: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Error: msg})
}
