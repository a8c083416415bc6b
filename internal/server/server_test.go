package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/OpenPrinting/ipp-scheduler/internal/config"
	"github.com/OpenPrinting/ipp-scheduler/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Defaults()
	srv, err := New(cfg, db, prometheus.NewRegistry())
	require.NoError(t, err)
	return srv
}

func TestNewRestoresPersistedDestinations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)

	cfg := config.Defaults()
	srv, err := New(cfg, db, prometheus.NewRegistry())
	require.NoError(t, err)
	_, err = srv.Registry.AddPrinter("lp1")
	require.NoError(t, err)
	require.NoError(t, srv.persistDestinations())
	db.Close()

	db2, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	srv2, err := New(cfg, db2, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, srv2.Registry.Lookup("lp1"))
}

func TestFrontServesValidateJobOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.Registry.AddPrinter("lp1")
	require.NoError(t, err)

	front := NewFront(srv.Dispatcher)
	ts := httptest.NewServer(front)
	defer ts.Close()

	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpValidateJob, 1)
	m.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	m.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	m.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/printers/lp1")))
	raw, err := m.EncodeBytes()
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/ipp", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out goipp.Message
	require.NoError(t, out.Decode(resp.Body))
	require.Equal(t, goipp.Code(goipp.StatusOk), out.Code)
}

func TestAdminRouterReportsStatus(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.Registry.AddPrinter("lp1")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.NewAdminRouter())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}
