package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerLiveEndpointAlwaysOK(t *testing.T) {
	h := New(func() error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rw := httptest.NewRecorder()
	h.LiveEndpoint(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestHandlerReadyEndpointReflectsProbe(t *testing.T) {
	h := New(func() error { return assert.AnError })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rw := httptest.NewRecorder()
	h.ReadyEndpoint(rw, req)

	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
}

func TestTopicCounting(t *testing.T) {
	h := New(func() error { return nil })

	h.TopicRegistered()
	h.TopicRegistered()
	h.TopicUnregistered()

	assert.Equal(t, 1, h.LiveTopics())
}
