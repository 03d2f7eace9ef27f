// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package adminhttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffeo/go-hypershell/adminhttp"
	"github.com/diffeo/go-hypershell/store/memory"
)

func TestHealthz(t *testing.T) {
	handler := adminhttp.NewRouter(memory.New(), nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsReturnsStoreSummary(t *testing.T) {
	st := memory.New()
	handler := adminhttp.NewRouter(st, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, float64(0), doc["remaining"])
	assert.Equal(t, "/clients/{id}", doc["clients_url_template"])
}

func TestClientNotFound(t *testing.T) {
	handler := adminhttp.NewRouter(memory.New(), nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/clients/nonexistent", nil)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
