package kernel

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/guseggert/cgikernel/message"
	"github.com/julienschmidt/httprouter"
)

// Handler returns a router that sends every request to the kernel, except /healthz.
func (k *Kernel) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", k.health)
	router.NotFound = k
	router.HandleMethodNotAllowed = false
	return router
}

func (k *Kernel) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (k *Kernel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	req, err := message.FromHTTP(r, k.tempDir)
	if err != nil {
		k.log.Debugf("error reading request: %s", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := req.RemoveFiles(); err != nil {
			k.log.Debugf("error removing spooled uploads: %s", err)
		}
	}()

	resp, err := k.handle(r.Context(), req, requestID)
	if err != nil {
		code := StatusForError(err)
		k.log.Errorw("error handling request", "RequestID", requestID, "Method", r.Method, "Path", r.URL.Path, "Status", code, "Error", err)
		if errors.Is(err, context.Canceled) {
			// the client went away
			return
		}
		http.Error(w, http.StatusText(code), code)
		return
	}

	err = resp.Write(w)
	if err != nil {
		k.log.Debugf("error writing response: %s", err)
	}
}

// StatusForError maps a Handle error to the status reported to the HTTP client.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
