package security

import "net/http"

// SetNoStoreHeaders marks a response as uncacheable and not frameable.
// CSRF tokens and admin payloads must never be served from a shared cache.
func SetNoStoreHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
}

// NoStore is middleware applying SetNoStoreHeaders to every response.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetNoStoreHeaders(w)
		next.ServeHTTP(w, r)
	})
}
