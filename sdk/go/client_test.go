package flowdesksdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionSendsFieldsAndDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/issues/I-1/transitions", r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get("X-Org-Id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Finish", body["transition"])
		assert.Equal(t, map[string]any{"resolution": "fixed"}, body["fields"])
		_, _ = w.Write([]byte(`{"issue":{"id":"I-1","status_id":"done","version":3},"from_status_id":"doing",
			"transition":{"name":"Finish"},"post_function_errors":[{"post_function":"webhook","error":"status 500"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1", "acme")
	c.BearerToken = "tok"
	res, err := c.Transition(context.Background(), "I-1", "Finish", map[string]string{"resolution": "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Issue.StatusID)
	assert.Equal(t, "doing", res.FromStatusID)
	require.Len(t, res.PostFunctionErrors, 1)
	assert.Equal(t, "webhook", res.PostFunctionErrors[0].PostFunction)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"delete_blocked","message":"scheme in use","details":{"project_count":2}}}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "acme").DeleteScheme(context.Background(), "permission", "s1")
	require.Error(t, err)
	assert.True(t, IsCode(err, "delete_blocked"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.EqualValues(t, 2, apiErr.Details["project_count"])
}

func TestGetRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"project_count":4}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.MaxRetryElapsed = 2 * time.Second
	n, err := c.CountProjectsUsing(context.Background(), "notification", "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "acme").CreateIssue(context.Background(), "WEB", "x", "")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
