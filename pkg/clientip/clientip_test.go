package clientip

import (
	"net/http/httptest"
	"testing"
)

func TestRealClientIP(t *testing.T) {
	cases := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"direct", "203.0.113.7:5000", "", "203.0.113.7"},
		{"spoofed header ignored", "203.0.113.7:5000", "10.0.0.1", "203.0.113.7"},
		{"local proxy", "127.0.0.1:5000", "198.51.100.2, 127.0.0.1", "198.51.100.2"},
		{"local proxy bad header", "127.0.0.1:5000", "garbage", "127.0.0.1"},
		{"no port", "203.0.113.9", "", "203.0.113.9"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tc.remote
		if tc.fwd != "" {
			r.Header.Set("X-Forwarded-For", tc.fwd)
		}
		if got := RealClientIP(r); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
