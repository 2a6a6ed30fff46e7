package httpguard

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetadataFromRequestPrefersCloudflareConnectingIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("CF-Connecting-IP", "203.0.113.9")
	req.Header.Set("cf-ipcity", "Berlin")
	req.Header.Set("cf-ipcountry", "DE")

	md := metadataFromRequest(req)
	assert.Equal(t, "203.0.113.9", md.IP)
	assert.Equal(t, "Berlin", md.City)
	assert.Equal(t, "DE", md.Country)
}

func TestMetadataFromRequestFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	md := metadataFromRequest(req)
	assert.Equal(t, "192.0.2.1", md.IP)
}
