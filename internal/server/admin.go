package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenPrinting/ipp-scheduler/internal/logging"
	"github.com/OpenPrinting/ipp-scheduler/internal/registry"
)

// statusReport is the payload /status returns: a snapshot of every
// destination and its queue depth, the same information ipp-usb's
// ctrlsock /status prints for one device, generalized to every
// destination this daemon owns.
type statusReport struct {
	ServerName string                `json:"server_name"`
	Printers   []statusPrinterReport `json:"printers"`
}

type statusPrinterReport struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Accepting  bool   `json:"accepting"`
	QueuedJobs int    `json:"queued_jobs"`
	Shared     bool   `json:"shared"`
}

// NewAdminRouter builds the admin/monitoring HTTP handler: a
// gorilla/mux router exposing /status (destination + queue snapshot,
// the generalized form of ipp-usb's single-device ctrlsock endpoint)
// and /metrics (Prometheus exposition), instead of ipp-usb's
// unix-domain control socket, since this daemon's operators expect a
// routable admin port rather than a local-only socket.
func (s *Server) NewAdminRouter() http.Handler {
	log := logging.New("admin")
	r := mux.NewRouter().StrictSlash(false)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		log.Debug("admin: %s %s", req.Method, req.URL)
		report := statusReport{ServerName: s.Config.ServerName}
		for _, dest := range s.Registry.All() {
			report.Printers = append(report.Printers, statusPrinterReport{
				Name:       dest.Name,
				State:      destStateName(dest.State),
				Accepting:  dest.Accepting,
				QueuedJobs: s.Jobs.QueuedJobCount(dest.Name),
				Shared:     dest.Shared,
			})
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Error("admin: encoding status: %s", err)
		}
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func destStateName(s registry.State) string {
	switch s {
	case registry.StateIdle:
		return "idle"
	case registry.StateProcessing:
		return "processing"
	case registry.StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
