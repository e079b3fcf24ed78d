// Package server serves a storage.Store over the subset of the Supabase
// Storage object API that sessync's supabase backend speaks. It lets a team
// share session bundles without a Supabase project and backs the client tests.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kurobon/sessync/internal/storage"
)

const (
	objectRoute = "/storage/v1/object/"
	publicPart  = "public/"

	// maxUpload bounds request bodies.
	maxUpload = 1 << 30
)

type Server struct {
	Store      storage.Store
	ServiceKey string
	Mux        *http.ServeMux

	public map[string]bool
	log    *zap.Logger
}

type Option func(*Server)

// PublicBuckets lets the unauthenticated public route read objects of the
// named buckets. Every other bucket needs the bearer key on that route too.
func PublicBuckets(buckets ...string) Option {
	return func(s *Server) {
		for _, b := range buckets {
			if b != "" {
				s.public[b] = true
			}
		}
	}
}

// NewServer returns a server over store. An empty serviceKey disables
// authentication.
func NewServer(store storage.Store, serviceKey string, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Store:      store,
		ServiceKey: serviceKey,
		Mux:        http.NewServeMux(),
		public:     make(map[string]bool),
		log:        log,
	}
	for _, apply := range opts {
		apply(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Mux.HandleFunc("/ping", s.handlePing)
	s.Mux.HandleFunc(objectRoute, s.handleObject)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "pong",
		"store":   s.Store.String(),
	})
}

// errorBody mirrors the error document Supabase storage returns.
type errorBody struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{
		StatusCode: http.StatusText(status),
		Error:      code,
		Message:    message,
	})
}

// parseObjectPath splits "<bucket>/<key...>" after the route prefix.
func parseObjectPath(p string) (public bool, bucket, key string, ok bool) {
	rest := strings.TrimPrefix(p, objectRoute)
	if strings.HasPrefix(rest, publicPart) {
		public = true
		rest = strings.TrimPrefix(rest, publicPart)
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" || strings.Contains(key, "..") {
		return false, "", "", false
	}
	return public, bucket, key, true
}

func (s *Server) authorized(r *http.Request) bool {
	if s.ServiceKey == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.ServiceKey
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	public, bucket, key, ok := parseObjectPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_path", "expected /storage/v1/object/<bucket>/<key>")
		return
	}
	name := bucket + "/" + key

	if public {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.public[bucket] && !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bucket is not public")
			return
		}
		s.handleDownload(w, r, name)
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleDownload(w, r, name)
	case http.MethodPost:
		s.handleUpload(w, r, name, true)
	case http.MethodPut:
		s.handleUpload(w, r, name, false)
	case http.MethodDelete:
		if err := s.Store.Delete(r.Context(), name); err != nil {
			s.internalError(w, "delete", name, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, name string) {
	body, err := s.Store.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Object not found")
			return
		}
		s.internalError(w, "download", name, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("download interrupted", zap.String("object", name), zap.Error(err))
	}
}

// handleUpload accepts either a multipart form with a "file" part or the raw
// object bytes.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, name string, exclusive bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var source io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_body", "missing file part")
				return
			}
			if part.FormName() == "file" {
				source = part
				break
			}
		}
	}

	if err := s.Store.Put(r.Context(), name, source, exclusive); err != nil {
		if errors.Is(err, storage.ErrExists) {
			writeError(w, http.StatusConflict, "Duplicate", "The resource already exists")
			return
		}
		s.internalError(w, "upload", name, err)
		return
	}
	s.log.Debug("object stored", zap.String("object", name), zap.Bool("exclusive", exclusive))
	writeJSON(w, http.StatusOK, map[string]string{"Key": name})
}

func (s *Server) internalError(w http.ResponseWriter, op, name string, err error) {
	s.log.Error("storage operation failed", zap.String("op", op), zap.String("object", name), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
