// vortex-proxy is a small reverse proxy for debrid service APIs. Debrid
// services throttle or block requests from datacenter IPs, so a
// vortex-stremio instance running in a datacenter can route its API requests
// through a vortex-proxy running on an allowed IP (for example a home
// connection), secured by an API key header.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	bindAddr     = flag.String("bindAddr", "localhost", `Local interface address to bind to. "localhost" only allows access from the local host. "0.0.0.0" binds to all network interfaces.`)
	port         = flag.Int("port", 8080, "Port to listen on")
	targetURL    = flag.String("targetURL", "https://api.real-debrid.com", "Reverse proxy target URL, typically a debrid service API")
	apiKeyHeader = flag.String("apiKeyHeader", "", "Header key for the API key, e.g. \"X-Proxy-Apikey\". Pair it with vortex-stremio's extraHeadersDebrid setting.")
	apiKeys      = flag.String("apiKeys", "", "List of comma separated API keys that the reverse proxy allows")
	logRequest   = flag.Bool("logRequest", false, "Log the full request object")
)

func init() {
	// Make predicting "random" numbers harder
	rand.NewSource(time.Now().UnixNano())
}

func main() {
	flag.Parse()

	// Precondition checks
	if *targetURL == "" {
		log.Fatal("targetURL CLI argument must not be empty")
	}
	if (*apiKeyHeader == "" && *apiKeys != "") || (*apiKeyHeader != "" && *apiKeys == "") {
		log.Fatal("apiKeyHeader and apiKeys CLI arguments must either both be empty or both not empty")
	}

	allowedKeys := map[string]bool{}
	for _, apiKey := range strings.Split(*apiKeys, ",") {
		if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
			allowedKeys[apiKey] = true
		}
	}
	if len(allowedKeys) > 0 {
		log.Printf("Allowing %d API keys\n", len(allowedKeys))
	} else {
		log.Println("Reverse proxy not secured by API keys")
	}

	http.HandleFunc("/", createHandler(*targetURL, *apiKeyHeader, allowedKeys))

	srv := &http.Server{
		Addr:    *bindAddr + ":" + strconv.Itoa(*port),
		Handler: http.DefaultServeMux,
		// Timeouts to avoid Slowloris attacks
		ReadTimeout:    time.Second * 5,
		WriteTimeout:   time.Second * 15,
		IdleTimeout:    time.Second * 60,
		MaxHeaderBytes: 1 * 1000, // 1 KB
	}

	stopping := false
	stoppingPtr := &stopping
	log.Println("Starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if !*stoppingPtr {
				log.Fatalf("Couldn't start server: %v", err)
			} else {
				log.Fatalf("Error in srv.ListenAndServe() during server shutdown (probably context deadline expired before the server could shutdown cleanly): %v", err)
			}
		}
	}()

	// Graceful shutdown

	c := make(chan os.Signal, 1)
	// Accept SIGINT (Ctrl+C) and SIGTERM (`docker stop`)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.Printf("Received signal \"%s\", shutting down...", sig)
	*stoppingPtr = true
	// `docker stop` only gives us 10 seconds.
	ctx, cancel := context.WithTimeout(context.Background(), 9*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Error shutting down server: %v", err)
	}
	log.Println("Server shut down")
}

func createHandler(targetURL, apiKeyHeader string, allowedAPIkeys map[string]bool) http.HandlerFunc {
	target, err := url.Parse(targetURL)
	if err != nil {
		log.Fatalf("Couldn't parse reverse proxy target URL: %v", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)

	return func(w http.ResponseWriter, r *http.Request) {
		// API key check only if required
		if apiKeyHeader != "" {
			apiKey := r.Header.Get(apiKeyHeader)
			if apiKey == "" {
				log.Printf("Got request without API key from %v\n", r.RemoteAddr)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if !allowedAPIkeys[apiKey] {
				log.Printf("Got request with invalid API key from %v\n", r.RemoteAddr)
				w.WriteHeader(http.StatusForbidden)
				return
			}
			// The target must not see the proxy's API key
			r.Header.Del(apiKeyHeader)
		}

		r.Host = target.Host
		// Info: req.URL.Scheme, req.URL.Host and req.URL.Path are set to the target's value in the ReverseProxy's "Director".

		// Remove all headers that CDNs and load balancers might have set,
		// except the ones the debrid service needs. "X-Forwarded-For" stays
		// because vortex-stremio sets it to the streaming user's IP, which
		// some debrid services use for device verification.
		xff := r.Header.Get("X-Forwarded-For")
		for headerKey := range r.Header {
			if headerKey == "Authorization" || headerKey == "User-Agent" {
				continue
			}
			r.Header.Del(headerKey)
		}
		if xff == "" {
			xff = randIP()
		}
		r.Header.Set("X-Forwarded-For", xff)

		if *logRequest {
			log.Printf("Proxying request from %v. Request: %+v\n", r.RemoteAddr, r)
		} else {
			log.Printf("Proxying request from %v\n", r.RemoteAddr)
		}

		proxy.ServeHTTP(w, r)
	}
}

func randIP() string {
	return randIPpart() + "." + randIPpart() + "." + randIPpart() + "." + randIPpart()
}

func randIPpart() string {
	// Between 2 and 254
	randNo := rand.Intn(253) + 2
	return strconv.Itoa(randNo)
}
