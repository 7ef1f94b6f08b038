package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/exp/slog"
)

type callerKey struct{}

func withCaller(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// callerFromContext returns the identity the auth middleware attached.
func callerFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(callerKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// bearerToken extracts the credential of an "Authorization: Bearer <token>"
// header. ok is false when there is no bearer credential at all.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}

// authMiddleware fails closed: without a bearer token the request is answered
// with 401. A token that does not verify, or whose user no longer exists, is
// answered with 403.
func (s *APIServer) authMiddleware(f APIFunc) APIFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.metrics.AuthFailures.WithLabelValues(ReasonUnauthenticated).Inc()
			return ErrUnauthenticated
		}

		id, err := s.tokens.VerifyToken(token)
		if err != nil {
			reason := TokenMalformed

			var rejection *TokenRejection
			if errors.As(err, &rejection) {
				reason = rejection.Reason
			}

			slog.Info("Rejected token", "reason", reason, "path", r.URL.Path)
			s.metrics.AuthFailures.WithLabelValues(reason).Inc()

			return err
		}

		// A signed token can outlive its user, e.g. after the database was reset.
		if _, err := s.creds.FindUserByID(r.Context(), id.UserID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}

			slog.Info("Rejected token", "reason", TokenUnknownSubject, "path", r.URL.Path)
			s.metrics.AuthFailures.WithLabelValues(TokenUnknownSubject).Inc()

			return &TokenRejection{Reason: TokenUnknownSubject, Err: err}
		}

		return f(w, r.WithContext(withCaller(r.Context(), id)))
	}
}
