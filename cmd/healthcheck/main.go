// Command healthcheck checks a local chat-tender instance for container health checks.
// It exits non-zero unless /healthz answers 200; with -ready it checks /readyz instead.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "check /readyz instead of /healthz")
	flag.Parse()

	client := &http.Client{Timeout: 3 * time.Second}
	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(os.Getenv("HTTP_ADDR"), *ready), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// healthURL maps the service listen address (":8080", "0.0.0.0:9000", "host:port") to a
// loopback URL.
func healthURL(addr string, ready bool) string {
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	if addr == "" {
		addr = ":8080"
	}
	port := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		port = addr[i+1:]
	}
	return "http://localhost:" + port + path
}
