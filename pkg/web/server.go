// Package web is the HTTP glue around the storage core: it serves the
// download URLs the storage service hands out and accepts uploads into
// a user's downloads folder. The core packages never depend on it.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"filerelay/pkg/storage"
	"filerelay/pkg/types"
	"filerelay/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Server struct {
	storage     *storage.Service
	maxFileSize int64
	logger      *zap.Logger
}

func New(st *storage.Service, maxFileSize int64, logger *zap.Logger) *Server {
	return &Server{
		storage:     st,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Router exposes:
//
//	GET  /healthz
//	GET  /storage/{user}/{folder}/{name}  download (range-capable)
//	POST /upload/{user}                   multipart upload, field "file"
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/storage/{user}/{folder}/{name}", s.handleDownload)
	r.Post("/upload/{user}", s.handleUpload)
	return r
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	user, folder, ok := s.scopeParams(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	// Stored names never contain separators; anything else is a
	// traversal attempt.
	if name == "" || name == "." || name == ".." ||
		name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	dir, err := s.storage.UserDir(user, folder)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}

	original := s.storage.GetOriginalName(user, name, folder)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", original))
	http.ServeFile(w, r, path)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userParam(w, r)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing multipart field 'file'", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// The size cap is enforced here, before anything reaches the
	// registry.
	if header.Size > s.maxFileSize {
		http.Error(w,
			fmt.Sprintf("file too large: limit is %s", utils.FormatDataSize(s.maxFileSize)),
			http.StatusRequestEntityTooLarge)
		return
	}

	dir, err := s.storage.UserDir(user, types.Downloads)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	stored := storage.UniqueStoredName(dir, storage.SanitizeFilename(header.Filename))
	path := filepath.Join(dir, stored)

	written, err := writeCapped(path, file, s.maxFileSize)
	if err != nil {
		os.Remove(path)
		if errors.Is(err, errTooLarge) {
			http.Error(w,
				fmt.Sprintf("file too large: limit is %s", utils.FormatDataSize(s.maxFileSize)),
				http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Error("Upload write failed", zap.Error(err))
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	number, err := s.storage.RegisterFile(user, header.Filename, stored, types.Downloads)
	if err != nil {
		os.Remove(path)
		s.logger.Error("Upload registration failed", zap.Error(err))
		http.Error(w, "failed to register file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"number": number,
		"name":   header.Filename,
		"size":   written,
		"url":    s.storage.FileURL(user, types.Downloads, stored),
	})
}

var errTooLarge = errors.New("file exceeds size limit")

// writeCapped streams src to path, failing once more than cap bytes
// arrive. The multipart header size is client-supplied, so the stream
// itself is the real check.
func writeCapped(path string, src io.Reader, limit int64) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	written, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return written, err
	}
	if written > limit {
		return written, errTooLarge
	}
	return written, dst.Close()
}

func (s *Server) userParam(w http.ResponseWriter, r *http.Request) (types.UserID, bool) {
	uid, err := strconv.ParseInt(chi.URLParam(r, "user"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return types.UserID(uid), true
}

func (s *Server) scopeParams(w http.ResponseWriter, r *http.Request) (types.UserID, types.Folder, bool) {
	user, ok := s.userParam(w, r)
	if !ok {
		return 0, "", false
	}
	folder, err := types.ParseFolder(chi.URLParam(r, "folder"))
	if err != nil {
		http.Error(w, "unknown folder", http.StatusBadRequest)
		return 0, "", false
	}
	return user, folder, true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
