package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/driver"
	"github.com/projecteru2/chrysalis/registry"
	"github.com/projecteru2/chrysalis/server"
	"github.com/projecteru2/chrysalis/store/file"
	"github.com/projecteru2/chrysalis/types"
)

func newTestHandler(t *testing.T, mock *driver.Mock) http.Handler {
	t.Helper()
	st, err := file.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st, mock, registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })
	return server.New(server.Config{Registry: reg, Listen: "127.0.0.1:0"}).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func registration(name string, i int) *types.VMRecord {
	return &types.VMRecord{
		Name: name,
		VMType: types.VMType{
			SystemApp: types.SystemAppApp,
			RunType:   types.RunTypeLongRun,
		},
		Addresses: types.Addresses{
			IP:    fmt.Sprintf("192.168.100.%d", i),
			Vsock: fmt.Sprintf("%d", i),
		},
	}
}

type errResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func TestRegisterEndpoint(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	rec := decode[types.VMRecord](t, w)
	assert.Equal(t, "vm1", rec.Name)
	assert.Equal(t, types.StateRegistered, rec.State)
	assert.Equal(t, uint64(1), rec.Version)

	// Same name again.
	w = do(t, h, http.MethodPost, "/register", registration("vm1", 3))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_name", decode[errResp](t, w).Kind)
}

func TestRegisterMalformedBody(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_record", decode[errResp](t, w).Kind)
}

func TestRegisterInvalidFields(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	bad := registration("vm1", 2)
	bad.Addresses.IP = ""
	w := do(t, h, http.MethodPost, "/register", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_record", decode[errResp](t, w).Kind)
}

func TestLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/run/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/run/vm1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_running", decode[errResp](t, w).Kind)

	w = do(t, h, http.MethodGet, "/status/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StateRunning, decode[types.VMRecord](t, w).State)

	w = do(t, h, http.MethodPost, "/connect/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decode[driver.ConnectionInfo](t, w)
	assert.Equal(t, "vm1", info.Name)
	assert.NotEmpty(t, info.SessionID)

	w = do(t, h, http.MethodPost, "/stop/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/status/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StateStopped, decode[types.VMRecord](t, w).State)

	w = do(t, h, http.MethodDelete, "/unregister/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/status/vm1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[errResp](t, w).Kind)

	w = do(t, h, http.MethodGet, "/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*types.VMRecord](t, w))
}

func TestStatusUnknownVM(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})
	w := do(t, h, http.MethodGet, "/status/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[errResp](t, w).Kind)
}

func TestConnectBeforeRun(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/connect/vm1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_running", decode[errResp](t, w).Kind)
}

func TestStopBeforeRun(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/stop/vm1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode[errResp](t, w).Kind)
}

func TestUnregisterRunning(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/run/vm1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodDelete, "/unregister/vm1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode[errResp](t, w).Kind)
}

func TestDriverFailureMapsTo500(t *testing.T) {
	mock := &driver.Mock{
		StartFunc: func(context.Context, *types.VMRecord) error {
			return fmt.Errorf("no such binary")
		},
	}
	h := newTestHandler(t, mock)

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/run/vm1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "driver_failure", decode[errResp](t, w).Kind)
}

func TestAddressConflictOverHTTP(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	w := do(t, h, http.MethodPost, "/register", registration("vm1", 2))
	require.Equal(t, http.StatusOK, w.Code)

	dup := registration("vm2", 3)
	dup.Addresses.IP = "192.168.100.2"
	w = do(t, h, http.MethodPost, "/register", dup)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "address_conflict", decode[errResp](t, w).Kind)
}

func TestListReturnsAllRecords(t *testing.T) {
	h := newTestHandler(t, &driver.Mock{})

	for i := 2; i <= 4; i++ {
		w := do(t, h, http.MethodPost, "/register", registration(fmt.Sprintf("vm%d", i), i))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, h, http.MethodGet, "/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]*types.VMRecord](t, w)
	require.Len(t, records, 3)
	assert.Equal(t, "vm2", records[0].Name)
	assert.Equal(t, "vm4", records[2].Name)
}
