package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/stock"
)

func TestClassify(t *testing.T) {
	sev, th, err := classify("3", "24", "", "")
	require.NoError(t, err)
	assert.Equal(t, stock.Critical, sev)
	assert.Equal(t, "4.8", th.Critical.String())
	assert.Equal(t, "12", th.Low.String())

	sev, _, err = classify("10", "24", "", "")
	require.NoError(t, err)
	assert.Equal(t, stock.Low, sev)

	sev, _, err = classify("10", "24", "15", "11")
	require.NoError(t, err)
	assert.Equal(t, stock.Critical, sev)

	sev, _, err = classify("30", "24", "", "")
	require.NoError(t, err)
	assert.Equal(t, stock.Adequate, sev)
}

func TestClassify_BadInput(t *testing.T) {
	_, _, err := classify("three", "24", "", "")
	assert.ErrorContains(t, err, "--quantity")

	_, _, err = classify("3", "24", "x", "")
	assert.ErrorContains(t, err, "--low")
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED"}}`))
			return
		}
		assert.Equal(t, "/admin/scheduler/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isRunning":true,"lastTickTime":null,"ticks":4,"skipped":1}`))
	}))
	defer srv.Close()

	st, err := fetchStatus(context.Background(), srv.URL, "secret")
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.EqualValues(t, 4, st.Ticks)
	assert.EqualValues(t, 1, st.Skipped)

	_, err = fetchStatus(context.Background(), srv.URL, "wrong")
	assert.ErrorContains(t, err, "HTTP 401")
}
