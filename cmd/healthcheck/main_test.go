package main

import "testing"

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr  string
		ready bool
		want  string
	}{
		{"", false, "http://localhost:8080/healthz"},
		{":9000", false, "http://localhost:9000/healthz"},
		{"0.0.0.0:8081", true, "http://localhost:8081/readyz"},
		{"7000", false, "http://localhost:7000/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.addr, tt.ready); got != tt.want {
			t.Errorf("healthURL(%q, %v) = %q, want %q", tt.addr, tt.ready, got, tt.want)
		}
	}
}
