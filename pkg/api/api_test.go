package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/manager"
	"github.com/fako1024/btobd/pkg/memory"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/fako1024/btobd/pkg/platform/mock"
	"go.uber.org/zap/zaptest"
)

const (
	addrELM     = "00:00:00:00:00:01"
	addrSpeaker = "00:00:00:00:00:03"
)

func newTestAPI(t *testing.T, options ...func(*mock.Mock)) *API {
	bridge := mock.New(append([]func(*mock.Mock){
		mock.WithDevices(
			platform.Advertisement{Address: addrSpeaker, Name: "Generic BT Speaker"},
			platform.Advertisement{Address: addrELM, Name: "ELM327 v1.5"},
		),
		mock.WithScanInterval(time.Millisecond),
	}, options...)...)
	store, err := memory.Open(&memory.MemoryBackend{})
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}

	cfg := manager.DefaultConfig()
	cfg.ScanTimeout = 50 * time.Millisecond
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.HeartbeatInterval = 0

	logger := zaptest.NewLogger(t).Sugar()
	m := manager.New(bridge, store, manager.WithConfig(cfg), manager.WithLogger(logger))
	_ = m.Start(context.Background())
	t.Cleanup(func() {
		if err := m.Shutdown(); err != nil {
			t.Errorf("failed to shut down manager: %s", err)
		}
	})

	return New(m, "", WithLogger(logger), WithRequestTimeout(2*time.Second))
}

func do(t *testing.T, api *API, method, path string, body interface{}, expectedStatus int, res interface{}) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %s", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := api.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("failed to execute %s %s: %s", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response of %s %s: %s", method, path, err)
	}
	if resp.StatusCode != expectedStatus {
		t.Fatalf("unexpected status for %s %s: want %d, have %d (%s)", method, path, expectedStatus, resp.StatusCode, data)
	}
	if res != nil {
		if err := json.Unmarshal(data, res); err != nil {
			t.Fatalf("failed to parse response of %s %s: %s", method, path, err)
		}
	}
}

func TestConnectionLifecycle(t *testing.T) {
	api := newTestAPI(t)

	var info manager.ConnectionInfo
	do(t, api, http.MethodGet, "/connection", nil, http.StatusOK, &info)
	if info.Phase != manager.PhaseIdle || info.ActiveDevice != nil {
		t.Fatalf("unexpected initial connection info: %+v", info)
	}

	var devices []device.Device
	do(t, api, http.MethodPost, "/scan", ScanRequest{Wait: true}, http.StatusOK, &devices)
	if len(devices) != 2 || devices[0].Address != addrELM || devices[0].Class != device.ClassELM327 {
		t.Fatalf("unexpected scan result: %+v", devices)
	}

	var conn ConnectResponse
	do(t, api, http.MethodPost, "/connect/"+addrELM, nil, http.StatusOK, &conn)
	if !conn.AdapterReady || conn.Device.Address != addrELM {
		t.Fatalf("unexpected connect response: %+v", conn)
	}

	do(t, api, http.MethodGet, "/connection", nil, http.StatusOK, &info)
	if info.Phase != manager.PhaseConnected || info.ActiveDevice == nil || !info.AdapterReady {
		t.Fatalf("unexpected connection info: %+v", info)
	}

	var cmd CommandResponse
	do(t, api, http.MethodPost, "/command", CommandRequest{Command: "ATRV"}, http.StatusOK, &cmd)
	if cmd.Response != "12.6V" {
		t.Fatalf("unexpected command response: %+v", cmd)
	}

	// A second device cannot be connected while the first one is active
	do(t, api, http.MethodPost, "/connect/"+addrSpeaker, nil, http.StatusConflict, nil)

	var saved []device.SavedDevice
	do(t, api, http.MethodGet, "/devices/saved", nil, http.StatusOK, &saved)
	if len(saved) != 1 || saved[0].Address != addrELM || saved[0].ConnectionCount != 1 {
		t.Fatalf("unexpected saved devices: %+v", saved)
	}

	do(t, api, http.MethodPost, "/disconnect", nil, http.StatusNoContent, nil)
	do(t, api, http.MethodPost, "/command", CommandRequest{Command: "ATRV"}, http.StatusConflict, nil)

	var history []memory.HistoryEntry
	do(t, api, http.MethodGet, "/history", nil, http.StatusOK, &history)
	if len(history) != 1 || history[0].Address != addrELM {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestConnectUndiscoveredAddress(t *testing.T) {
	api := newTestAPI(t)

	var conn ConnectResponse
	do(t, api, http.MethodPost, "/connect/"+addrELM, nil, http.StatusOK, &conn)
	if conn.Device.Address != addrELM {
		t.Fatalf("unexpected connect response: %+v", conn)
	}

	// Subsequent requests must not alter the state recorded for the connected address
	for i := 0; i < 20; i++ {
		do(t, api, http.MethodDelete, "/blacklist/ZZ:ZZ:ZZ:ZZ:ZZ:ZZ", nil, http.StatusNoContent, nil)
		do(t, api, http.MethodPost, "/pair/YY:YY:YY:YY:YY:YY", nil, http.StatusBadGateway, nil)
	}

	var info manager.ConnectionInfo
	do(t, api, http.MethodGet, "/connection", nil, http.StatusOK, &info)
	if info.ActiveDevice == nil || info.ActiveDevice.Address != addrELM {
		t.Fatalf("unexpected active device: %+v", info.ActiveDevice)
	}

	do(t, api, http.MethodPost, "/disconnect", nil, http.StatusNoContent, nil)
	do(t, api, http.MethodPost, "/connect/"+addrELM, nil, http.StatusOK, &conn)

	var saved []device.SavedDevice
	do(t, api, http.MethodGet, "/devices/saved", nil, http.StatusOK, &saved)
	if len(saved) != 1 || saved[0].Address != addrELM || saved[0].ConnectionCount != 2 {
		t.Fatalf("unexpected saved devices: %+v", saved)
	}
}

func TestInvalidRequests(t *testing.T) {
	api := newTestAPI(t)

	do(t, api, http.MethodPost, "/command", CommandRequest{}, http.StatusBadRequest, nil)
	do(t, api, http.MethodPost, "/scan", ScanRequest{TimeoutMs: -1000}, http.StatusBadRequest, nil)
	do(t, api, http.MethodDelete, "/devices/saved/"+addrELM, nil, http.StatusNotFound, nil)
}

func TestPreferences(t *testing.T) {
	api := newTestAPI(t)

	var prefs memory.Preferences
	do(t, api, http.MethodGet, "/preferences", nil, http.StatusOK, &prefs)
	if !prefs.AutoConnect {
		t.Fatalf("unexpected default preferences: %+v", prefs)
	}

	disabled, preferred := false, addrELM
	do(t, api, http.MethodPut, "/preferences", PreferencesRequest{AutoConnect: &disabled, PreferredDevice: &preferred}, http.StatusOK, &prefs)
	if prefs.AutoConnect || prefs.PreferredDevice != addrELM {
		t.Fatalf("unexpected updated preferences: %+v", prefs)
	}

	do(t, api, http.MethodPost, "/autoconnect", nil, http.StatusConflict, nil)
	do(t, api, http.MethodDelete, "/devices/saved", nil, http.StatusNoContent, nil)

	prefs = memory.Preferences{}
	do(t, api, http.MethodGet, "/preferences", nil, http.StatusOK, &prefs)
	if !prefs.AutoConnect || prefs.PreferredDevice != "" {
		t.Fatalf("unexpected preferences after reset: %+v", prefs)
	}
}

func TestAutoConnect(t *testing.T) {
	api := newTestAPI(t)

	var conn ConnectResponse
	do(t, api, http.MethodPost, "/autoconnect", nil, http.StatusOK, &conn)
	if conn.Device.Address != addrELM || !conn.AdapterReady {
		t.Fatalf("unexpected auto-connect response: %+v", conn)
	}
}

func TestBluetoothUnavailable(t *testing.T) {
	api := newTestAPI(t, mock.WithSupported(false))

	var info manager.ConnectionInfo
	do(t, api, http.MethodGet, "/connection", nil, http.StatusOK, &info)
	if info.PreflightError == "" {
		t.Fatalf("expected preflight error in connection info: %+v", info)
	}

	do(t, api, http.MethodPost, "/scan", nil, http.StatusServiceUnavailable, nil)
	do(t, api, http.MethodPost, "/connect/"+addrELM, nil, http.StatusServiceUnavailable, nil)
}
