package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderTenantID carries the calling tenant on every client and package route.
const HeaderTenantID = "X-Tenant-ID"

// HeaderSignature carries the hex HMAC-SHA256 of a webhook body.
const HeaderSignature = "X-Signature"

type tenantCtxKey struct{}

// TenantID extracts the tenant from the X-Tenant-ID header and stores it in
// the request context. Requests without a valid tenant are rejected.
func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderTenantID)
		if raw == "" {
			Unauthorized(w, "X-Tenant-ID header is required")
			return
		}
		tid, err := uuid.Parse(raw)
		if err != nil || tid == uuid.Nil {
			BadRequest(w, "invalid X-Tenant-ID header")
			return
		}
		ctx := context.WithValue(r.Context(), tenantCtxKey{}, tid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantIDFromContext returns the tenant stored by TenantID, or uuid.Nil.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if tid, ok := ctx.Value(tenantCtxKey{}).(uuid.UUID); ok {
		return tid
	}
	return uuid.Nil
}

// WebhookHMAC validates the HMAC-SHA256 signature of the request body
// against secret. The body is restored for the next handler.
func WebhookHMAC(secret, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				ServiceUnavailable(w, "webhook secret not configured")
				return
			}

			sig := r.Header.Get(header)
			if sig == "" {
				Unauthorized(w, "missing webhook signature")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				BadRequest(w, "failed to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !VerifySignature(body, sig, secret) {
				Forbidden(w, "invalid webhook signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in raw hex or "sha256=<hex>" form.
func VerifySignature(payload []byte, signature, secret string) bool {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}
