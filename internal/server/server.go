// Package server exposes the conversion pipeline over HTTP.
//
//	POST /convert   multipart field "file", or a raw body with ?filename=
//	GET  /healthz   liveness
//	GET  /metrics   Prometheus metrics
package server

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"velapack/internal/compiler"
	"velapack/internal/labels"
	"velapack/internal/logging"
	"velapack/internal/naming"
	"velapack/internal/pipeline"
	"velapack/internal/stage"
)

const component = "server"

// Converter runs one conversion.
type Converter interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Artifact, error)
}

// Options configures a Server.
type Options struct {
	MaxUploadBytes int64
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
	// ShutdownTimeout bounds the wait for in-flight conversions once
	// ListenAndServe's context is done. Zero means DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// DefaultShutdownTimeout covers one default-length compile plus packaging.
const DefaultShutdownTimeout = compiler.DefaultTimeout + 10*time.Second

// Server is the HTTP front end.
type Server struct {
	conv    Converter
	opts    Options
	handler http.Handler
}

// New returns a Server backed by conv.
func New(conv Converter, opts Options) *Server {
	s := &Server{conv: conv, opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /convert", s.handleConvert)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	s.handler = mux
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.opts.ShutdownTimeout > 0 {
		return s.opts.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

// errorBody is the JSON body of a failed conversion.
type errorBody struct {
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	filename, data, err := readUpload(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, errorBody{Error: err.Error()})
		return
	}
	if !strings.HasSuffix(filename, ".zip") {
		writeError(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("%q is not a .zip archive", filename)})
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, errorBody{Error: "upload is empty"})
		return
	}

	// A conversion is bounded by the compiler timeout alone; a client that
	// goes away does not abort it.
	art, err := s.conv.Run(context.WithoutCancel(r.Context()), pipeline.Request{Filename: filename, Data: data})
	if err != nil {
		body := errorBody{Error: err.Error()}
		var se *pipeline.StageError
		if errors.As(err, &se) {
			body.Stage = se.Stage.String()
			body.Stdout, body.Stderr = se.Stdout, se.Stderr
		}
		writeError(w, statusFor(err), body)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.Header().Set("X-Request-Id", art.RequestID)
	for _, warning := range art.Warnings {
		first, _, _ := strings.Cut(warning, "\n")
		w.Header().Add("X-Velapack-Warning", first)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(art.Data); err != nil {
		logging.Error(component, "write response", "request", art.RequestID, "err", err)
	}
}

// readUpload accepts a multipart form with a "file" field or a raw body
// named by the filename query parameter.
func readUpload(r *http.Request) (string, []byte, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		mr, err := r.MultipartReader()
		if err != nil {
			return "", nil, fmt.Errorf("read form: %w", err)
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return "", nil, errors.New(`missing form field "file"`)
			}
			if err != nil {
				return "", nil, fmt.Errorf("read form: %w", err)
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}
			data, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				return "", nil, fmt.Errorf("read upload: %w", err)
			}
			return part.FileName(), data, nil
		}
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		return "", nil, errors.New(`missing "filename" query parameter`)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return filename, data, nil
}

// statusFor maps a pipeline error to an HTTP status. Problems with the
// upload are 4xx; a missing compiler is 503.
func statusFor(err error) int {
	var (
		nameErr    *naming.InvalidNameError
		missingErr *stage.MissingInputError
		unsafeErr  *stage.UnsafeEntryError
		largeErr   *stage.TooLargeError
	)
	switch {
	case errors.As(err, &largeErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &nameErr), errors.Is(err, pipeline.ErrEmptyUpload):
		return http.StatusBadRequest
	case errors.As(err, &missingErr), errors.As(err, &unsafeErr), errors.Is(err, zip.ErrFormat),
		errors.Is(err, labels.ErrNoLabels), errors.Is(err, compiler.ErrCompilation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, compiler.ErrToolMissing):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error(component, "encode error response", "err", err)
	}
}
