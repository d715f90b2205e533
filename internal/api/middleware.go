package api

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// CredentialChecker validates a node's API key. The registry implements
// it.
type CredentialChecker interface {
	ValidateCredential(nodeID, apiKey string) bool
}

// withInternal guards operator endpoints with the shared internal secret.
func withInternal(secret string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		given := r.Header.Get("x-internal-secret")
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			w.WriteHeader(401)
			return
		}
		next(w, r, ps)
	}
}

// withNode guards agent endpoints with per-node credentials. The node id
// is passed to handlers through a query parameter.
func withNode(checker CredentialChecker, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		nodeID := r.Header.Get("x-node-id")
		apiKey := r.Header.Get("x-api-key")
		if !checker.ValidateCredential(nodeID, apiKey) {
			w.WriteHeader(401)
			return
		}

		q := r.URL.Query()
		q.Set("nodeId", nodeID)
		r.URL.RawQuery = q.Encode()

		next(w, r, ps)
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wp := &responseProxy{ResponseWriter: w}
		next.ServeHTTP(wp, r)
		log.Printf("%s %s - %d (%s)", r.Method, r.URL, wp.Status, r.RemoteAddr)
	})
}

// responseProxy is an annoying necessity to retain the response status for logging purposes.
type responseProxy struct {
	http.ResponseWriter
	Status int
}

func (r *responseProxy) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets WebSocket upgrades pass through the logging proxy.
func (r *responseProxy) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}
