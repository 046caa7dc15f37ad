package middlewares

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/sirupsen/logrus"
)

// NewRecoveryMw turns a handler panic into a JSON 500 logged against the
// request's transaction.  http.ErrAbortHandler is passed on to net/http.
func NewRecoveryMw() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer recoverRequest(rw, r)
			next.ServeHTTP(rw, r)
		})
	}
}

func recoverRequest(rw http.ResponseWriter, r *http.Request) {
	p := recover()
	if p == nil {
		return
	}
	if p == http.ErrAbortHandler {
		panic(p)
	}

	log := logging.Logger(r.Context()).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	log.Errorf("handler panicked: %v", p)
	log.Debugf("panic stack: %s", debug.Stack())

	body, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("internal error handling %s %s", r.Method, r.URL.Path),
		"kind":  "internal",
	})

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write(body)
}
