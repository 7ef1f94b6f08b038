package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/exp/slog"
)

// multipartMemory is how much of an upload is kept in memory before the rest
// is spooled to a temp file.
const multipartMemory = 8 << 20

type APIServer struct {
	listenAddr     string
	maxUploadSize  int64
	allowedOrigins []string

	db      Store
	creds   *CredentialStore
	tokens  *TokenService
	gallery *Gallery
	storage *DiskStorage
	metrics *Metrics
}

func NewAPIServer(cfg Config, db Store, storage *DiskStorage, metrics *Metrics) *APIServer {
	return &APIServer{
		listenAddr:     cfg.ListenAddr,
		maxUploadSize:  cfg.MaxUploadSize,
		allowedOrigins: cfg.AllowedOrigins,
		db:             db,
		creds:          NewCredentialStore(db, validator.New(), cfg.BcryptCost),
		tokens:         NewTokenService(cfg.JWTSecret, cfg.JWTTTL),
		gallery:        NewGallery(db),
		storage:        storage,
		metrics:        metrics,
	}
}

type APIFunc func(w http.ResponseWriter, r *http.Request) error

func makeHandler(f APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}

		statusError := statusFromError(err)
		if statusError.Status >= http.StatusInternalServerError {
			slog.Error("Writing API Status Error to response", "status", statusError.Status, "error", err)
		} else {
			slog.Info("Writing API Status Error to response", "status", statusError.Status, "reason", statusError.Reason)
		}

		if statusError.Reason == "" {
			statusError.Reason = strings.ReplaceAll(strings.ToLower(http.StatusText(statusError.Status)), " ", "_")
		}

		if err := writeJSON(w, statusError.Status, statusError); err != nil {
			slog.Error("Failed to write error response", "error", err)
		}
	}
}

func (s *APIServer) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metrics.Middleware, logRequests)

	// mux skips the middleware chain for its fallback handlers.
	observe := func(h http.Handler) http.Handler {
		return s.metrics.Middleware(logRequests(h))
	}
	r.NotFoundHandler = observe(makeHandler(func(http.ResponseWriter, *http.Request) error {
		return ErrNotFound
	}))
	r.MethodNotAllowedHandler = observe(makeHandler(func(http.ResponseWriter, *http.Request) error {
		return &StatusError{Status: http.StatusMethodNotAllowed}
	}))

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/signup", makeHandler(s.HandleSignup)).Methods(http.MethodPost)
	api.Handle("/login", makeHandler(s.HandleLogin)).Methods(http.MethodPost)
	api.Handle("/upload", makeHandler(
		s.authMiddleware(s.HandleUpload),
	)).Methods(http.MethodPost)
	api.Handle("/images", makeHandler(s.HandleListImages)).Methods(http.MethodGet)
	api.Handle("/images/{id}", makeHandler(s.HandleGetImage)).Methods(http.MethodGet)
	api.Handle("/images/{id}", makeHandler(
		s.authMiddleware(s.HandleDeleteImage),
	)).Methods(http.MethodDelete)

	r.PathPrefix(StoragePrefix).Handler(
		http.StripPrefix(StoragePrefix, noDirListing(http.FileServer(http.Dir(s.storage.Root())))),
	).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/health", makeHandler(s.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return cors(s.allowedOrigins)(r)
}

func (s *APIServer) Run() error {
	srv := http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Router(),
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	slog.Info("Starting the server", "listen_addr", s.listenAddr)

	return srv.ListenAndServe()
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (s *APIServer) HandleSignup(w http.ResponseWriter, r *http.Request) error {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Reason: ReasonInvalidInput}
	}

	user, err := s.creds.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		return err
	}

	s.metrics.Signups.Inc()
	slog.Info("Created user", "user_id", user.ID)

	token, err := s.tokens.IssueToken(user.ID)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusCreated, TokenResponse{Token: token})
}

func (s *APIServer) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Reason: ReasonInvalidInput}
	}

	user, err := s.creds.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.metrics.AuthFailures.WithLabelValues(ReasonInvalidCredentials).Inc()
		}
		return err
	}

	token, err := s.tokens.IssueToken(user.ID)
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

// HandleUpload stores the "image" file of a multipart form. Only the caption
// and tags fields are read; the owner is always the authenticated caller.
func (s *APIServer) HandleUpload(w http.ResponseWriter, r *http.Request) error {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		return ErrUnauthenticated
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &StatusError{Err: err, Status: http.StatusRequestEntityTooLarge, Reason: ReasonInvalidInput}
		}
		return &StatusError{Err: err, Status: http.StatusBadRequest, Reason: ReasonInvalidInput}
	}
	defer r.MultipartForm.RemoveAll()

	formFile, header, err := r.FormFile("image")
	if err != nil {
		return &StatusError{Err: err, Status: http.StatusBadRequest, Reason: ReasonInvalidInput}
	}
	defer formFile.Close()

	if header.Size > s.maxUploadSize {
		return &StatusError{Status: http.StatusRequestEntityTooLarge, Reason: ReasonInvalidInput}
	}

	slog.Debug("Received an image",
		"filename", header.Filename,
		"size", header.Size,
		"user_id", caller.UserID,
	)

	url, err := s.storage.Save(header.Filename, formFile)
	if err != nil {
		return err
	}

	img, err := s.gallery.CreateImage(r.Context(), NewImage{
		URL:     url,
		Caption: r.FormValue("caption"),
		Tags:    r.MultipartForm.Value["tags"],
	}, caller.UserID)
	if err != nil {
		if rmErr := s.storage.Remove(url); rmErr != nil {
			slog.Error("Failed to remove orphaned upload", "url", url, "error", rmErr)
		}
		return err
	}

	s.metrics.ImagesUploaded.Inc()
	slog.Info("Saved an image", "image_id", img.ID, "url", img.URL)

	return writeJSON(w, http.StatusCreated, img)
}

func (s *APIServer) HandleListImages(w http.ResponseWriter, r *http.Request) error {
	images, err := s.gallery.ListImages(r.Context(), r.URL.Query().Get("tag"))
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, images)
}

func (s *APIServer) HandleGetImage(w http.ResponseWriter, r *http.Request) error {
	img, err := s.gallery.GetImage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return err
	}

	return writeJSON(w, http.StatusOK, img)
}

type DeleteImageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

func (s *APIServer) HandleDeleteImage(w http.ResponseWriter, r *http.Request) error {
	caller, ok := callerFromContext(r.Context())
	if !ok {
		return ErrUnauthenticated
	}

	img, err := s.gallery.DeleteOwnedImage(r.Context(), mux.Vars(r)["id"], caller.UserID)
	if err != nil {
		return err
	}

	// The row is gone; a file left behind only costs disk space.
	if err := s.storage.Remove(img.URL); err != nil {
		slog.Error("Failed to remove image file", "url", img.URL, "error", err)
	}

	s.metrics.ImagesDeleted.Inc()
	slog.Info("Deleted an image", "image_id", img.ID, "user_id", caller.UserID)

	return writeJSON(w, http.StatusOK, DeleteImageResponse{Message: "Image deleted", ID: img.ID})
}

func (s *APIServer) HandleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.db.Ping(r.Context()); err != nil {
		return &StatusError{Err: err, Status: http.StatusServiceUnavailable, Reason: "database_unavailable"}
	}

	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
