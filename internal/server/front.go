package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/OpenPrinting/goipp"

	"github.com/OpenPrinting/ipp-scheduler/internal/dispatcher"
	"github.com/OpenPrinting/ipp-scheduler/internal/logging"
)

// httpSessionID is a per-request debug counter, mirroring ipp-usb's
// HTTPProxy session numbering used to correlate request/response pairs
// in the log.
var httpSessionID int32

// Front is the IPP-over-HTTP listener: it decodes one goipp.Message per
// POST body, dispatches it, and encodes the response, the way ipp-usb's
// HTTPProxy terminates one HTTP connection and forwards it to the
// device - except there's no backend round trip here, since this
// server answers requests itself.
type Front struct {
	dispatcher *dispatcher.Dispatcher
	log        *logging.Logger
}

// NewFront returns a Front that dispatches through d.
func NewFront(d *dispatcher.Dispatcher) *Front {
	return &Front{dispatcher: d, log: logging.New("front")}
}

// ServeHTTP implements http.Handler.
func (f *Front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			f.log.Error("panic serving request: %v", v)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	session := int(atomic.AddInt32(&httpSessionID, 1) - 1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/ipp" {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	var m goipp.Message
	if err := m.Decode(r.Body); err != nil {
		f.log.Debug("session %d: malformed IPP request: %s", session, err)
		http.Error(w, "malformed IPP request", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.log.Debug("session %d: reading document data: %s", session, err)
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	if host == "" {
		host = r.RemoteAddr
	}

	ctx := &dispatcher.Context{
		Message:       &m,
		Body:          body,
		Host:          host,
		Remote:        !isLoopback(host),
		Authenticated: r.TLS != nil,
	}

	f.log.Debug("session %d: %s from %s", session, goipp.Op(m.Code), host)

	resp := f.dispatcher.Dispatch(ctx)

	out, err := resp.EncodeBytes()
	if err != nil {
		f.log.Error("session %d: encoding response: %s", session, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/ipp")
	w.Header().Set("Content-Length", fmt.Sprint(len(out)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(out))
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
