package middlewares

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
)

var correlationIDRegexp = regexp.MustCompile(`^[\w-]{3,64}$`)

// CorrelationMw echoes a caller supplied correlation ID and uses it as the
// transaction ID for the request's log entries
type CorrelationMw struct {
	headerName string
	next       http.Handler
}

func NewCorrelationMw(headerName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewCorrelation(headerName, next)
	}
}

func NewCorrelation(headerName string, next http.Handler) *CorrelationMw {
	return &CorrelationMw{headerName: headerName, next: next}
}

func (mw *CorrelationMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id, ok, valid := mw.validateID(r)
	if ok {
		rw.Header().Set(mw.headerName, id)
	}
	if valid {
		r = r.WithContext(logging.WithTxnID(r.Context(), id))
	}

	mw.next.ServeHTTP(rw, r)
}

func (mw *CorrelationMw) validateID(r *http.Request) (id string, present bool, valid bool) {
	id = r.Header.Get(mw.headerName)
	if id == "" {
		return "", false, false
	}

	if correlationIDRegexp.MatchString(id) {
		return id, true, true
	}

	return "<Bad_Correlation_Id>", true, false
}
