package s4

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"s4/internal/auth"
	"s4/internal/blob"
	"s4/internal/bucket"
	"s4/internal/index"
)

// Config holds configuration for the gateway.
type Config struct {
	// DataDir is the root directory for blob payloads and index databases.
	DataDir string
	// Credentials is the owner credential requests are verified against.
	Credentials auth.Credentials
}

// Server is an S3-compatible object storage gateway backed by the local
// filesystem for blob payloads and SQLite for the key indexes.
type Server struct {
	cfg      Config
	blobs    blob.Store
	registry *bucket.Registry
	auth     *auth.Engine
}

// NewServer opens the blob store and bucket registry under cfg.DataDir
// and returns a new Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	blobs, err := blob.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	registry, err := bucket.NewRegistry(cfg.DataDir, blobs)
	if err != nil {
		_ = blobs.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		blobs:    blobs,
		registry: registry,
		auth:     auth.NewEngine(cfg.Credentials),
	}, nil
}

// Close releases the registry and the blob store.
func (s *Server) Close() error {
	return errors.Join(s.registry.Close(), s.blobs.Close())
}

func parseBucketAndKey(path string) (bucket, key string) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return "", ""
	}
	parts := strings.Split(clean, "/")
	bucket = parts[0]
	if len(parts) > 1 {
		key = strings.Join(parts[1:], "/")
	}
	return bucket, key
}

func createETag(md5 string) string {
	return fmt.Sprintf("\"%s\"", md5)
}

// getBucket resolves a bucket handle, writing the error response itself
// when the bucket is missing or the registry fails. Returns nil if a
// response was written.
func (s *Server) getBucket(w http.ResponseWriter, r *http.Request, name string) *bucket.Bucket {
	b, err := s.registry.GetBucket(r.Context(), name)
	if errors.Is(err, index.ErrNotFound) {
		writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
		return nil
	}
	if err != nil {
		slog.Error("get bucket", "bucket", name, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return nil
	}
	return b
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.registry.ListBuckets(r.Context())
	if err != nil {
		slog.Error("list buckets", "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	resp := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
	}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, BucketEntry{Name: b.Name})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encode list buckets xml", "err", err)
	}
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucketName string) {
	if _, err := s.registry.CreateBucket(r.Context(), bucketName); err != nil {
		if errors.Is(err, index.ErrAlreadyExists) {
			writeS3Error(w, "BucketAlreadyExists", "The requested bucket name is not available.", http.StatusForbidden)
			return
		}
		slog.Error("create bucket", "bucket", bucketName, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteBucket removes the bucket from the catalog. The bucket's
// keys and blobs are not cascaded.
func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucketName string) {
	if err := s.registry.DeleteBucket(r.Context(), bucketName); err != nil {
		slog.Error("delete bucket", "bucket", bucketName, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucketName string) {
	b := s.getBucket(w, r, bucketName)
	if b == nil {
		return
	}

	records, err := b.ListFiles(r.Context())
	if err != nil {
		slog.Error("list objects", "bucket", bucketName, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	resp := ListBucketResult{
		XMLNS:       s3XMLNamespace,
		Name:        bucketName,
		Prefix:      "",
		Marker:      "",
		MaxKeys:     1000,
		IsTruncated: false,
	}
	for _, rec := range records {
		resp.Contents = append(resp.Contents, ObjectSummary{
			Key:          rec.Key,
			ETag:         createETag(rec.MD5),
			LastModified: rec.LastModified.UTC().Format(time.RFC3339),
			Size:         rec.Size,
			StorageClass: "STANDARD",
		})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encode list objects xml", "bucket", bucketName, "err", err)
	}
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucketName, key string) {
	b := s.getBucket(w, r, bucketName)
	if b == nil {
		return
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rec, err := b.InsertFile(r.Context(), key, r.Body, contentType)
	if err != nil {
		slog.Error("insert object", "bucket", bucketName, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", createETag(rec.MD5))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucketName, key string) {
	b := s.getBucket(w, r, bucketName)
	if b == nil {
		return
	}

	rc, meta, err := b.GetFile(r.Context(), key)
	if errors.Is(err, index.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
		writeS3Error(w, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get object", "bucket", bucketName, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if cd := r.URL.Query().Get("response-content-disposition"); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if md5 := meta.Headers["md5"]; md5 != "" {
		w.Header().Set("ETag", createETag(md5))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("stream object", "bucket", bucketName, "key", key, "err", err)
	}
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request, bucketName, key string) {
	b := s.getBucket(w, r, bucketName)
	if b == nil {
		return
	}

	rec, err := b.Stats(r.Context(), key)
	if errors.Is(err, index.ErrNotFound) || errors.Is(err, blob.ErrNotFound) {
		writeS3Error(w, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("head object", "bucket", bucketName, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	if rec.MD5 != "" {
		w.Header().Set("ETag", createETag(rec.MD5))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucketName, key string) {
	b := s.getBucket(w, r, bucketName)
	if b == nil {
		return
	}

	err := b.DeleteFile(r.Context(), key)
	if errors.Is(err, index.ErrNotFound) {
		writeS3Error(w, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("delete object", "bucket", bucketName, "key", key, "err", err)
		writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handlePostObject implements browser form uploads. The form fields are
// collected until the first file part arrives; that part is checked
// against the signed policy and streamed into the bucket. Any further
// file parts are drained and discarded.
func (s *Server) handlePostObject(w http.ResponseWriter, r *http.Request, bucketName string) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Expected a multipart form upload", http.StatusBadRequest)
		return
	}

	// Pending error response, written after the remaining parts have
	// been drained.
	var (
		denyCode   string
		denyMsg    string
		denyStatus int
	)
	deny := func(code, msg string, status int) {
		if denyCode == "" {
			denyCode, denyMsg, denyStatus = code, msg, status
		}
	}

	form := map[string]string{}
	var stored *bucket.FileRecord

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("read form part", "bucket", bucketName, "err", err)
			writeS3Error(w, "InvalidRequest", "Malformed multipart form", http.StatusBadRequest)
			return
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, 1<<20))
			if err != nil {
				slog.Error("read form field", "bucket", bucketName, "field", part.FormName(), "err", err)
				writeS3Error(w, "InvalidRequest", "Malformed multipart form", http.StatusBadRequest)
				return
			}
			form[part.FormName()] = string(value)
			continue
		}

		// Only the first file part is stored.
		if stored != nil || denyCode != "" {
			_, _ = io.Copy(io.Discard, part)
			continue
		}

		if !s.auth.AuthorizePostPolicy(form, bucketName) {
			_, _ = io.Copy(io.Discard, part)
			deny("AccessDenied", auth.MsgAuthorizationFailed, http.StatusForbidden)
			continue
		}

		b, err := s.registry.GetBucket(r.Context(), bucketName)
		if err != nil {
			_, _ = io.Copy(io.Discard, part)
			if errors.Is(err, index.ErrNotFound) {
				deny("NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
			} else {
				slog.Error("get bucket", "bucket", bucketName, "err", err)
				deny("InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
			}
			continue
		}

		rec, err := b.InsertFile(r.Context(), form["key"], part, form["Content-Type"])
		if err != nil {
			slog.Error("insert form object", "bucket", bucketName, "key", form["key"], "err", err)
			deny("InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
			continue
		}
		stored = &rec
	}

	if denyCode != "" {
		writeS3Error(w, denyCode, denyMsg, denyStatus)
		return
	}
	if stored == nil {
		writeS3Error(w, "InvalidRequest", "Form upload is missing a file", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	location := scheme + "://" + r.Host + r.URL.Path + "/" + stored.Key

	w.Header().Set("ETag", createETag(stored.MD5))
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusNoContent)
}

// writeS3Error writes the S3-style XML error envelope.
func writeS3Error(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:      code,
		Message:   message,
		RequestID: "not implemented",
		HostID:    "not implemented",
	})
}
