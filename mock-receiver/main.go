// mock-receiver is a standalone webhook receiver for local testing. It
// verifies signatures when WEBHOOK_SECRET is set and exposes endpoints
// that succeed, fail, respond slowly, or fail intermittently so the
// retry path can be exercised end to end.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/fundcore/webhooks/internal/signer"
)

var requestCount atomic.Int64

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	secret := os.Getenv("WEBHOOK_SECRET")

	// Always returns 200 (after verifying the signature, if configured).
	http.HandleFunc("/hook/success", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		if !checkSignature(w, r, secret, count) {
			return
		}
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	})

	// Delays 3 seconds before responding.
	http.HandleFunc("/hook/slow", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		time.Sleep(3 * time.Second)
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received (slow)"})
	})

	// Always returns 500.
	http.HandleFunc("/hook/fail", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 500)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	})

	// Fails every other request, so retries eventually succeed.
	http.HandleFunc("/hook/flaky", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if count%2 == 1 {
			logRequest(r, count, 503)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "try again"})
			return
		}
		logRequest(r, count, 200)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	})

	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("Mock receiver starting on :%s", port)
	log.Printf("  POST /hook/success -> 200 OK")
	log.Printf("  POST /hook/slow    -> 200 OK (3s delay)")
	log.Printf("  POST /hook/fail    -> 500 Error")
	log.Printf("  POST /hook/flaky   -> alternates 503/200")
	log.Printf("  GET  /stats        -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// checkSignature enforces the receiver contract: verify before trusting
// the payload. Skipped when no secret is configured.
func checkSignature(w http.ResponseWriter, r *http.Request, secret string, count int64) bool {
	if secret == "" {
		return true
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return false
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if !signer.Verify(secret, body, sig) {
		fmt.Printf("[#%d] signature verification FAILED for event %s\n", count, r.Header.Get("X-Webhook-ID"))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return false
	}
	return true
}

func logRequest(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s event=%s id=%s attempt=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get("X-Webhook-Signature"), 16),
		r.Header.Get("X-Webhook-Event"),
		truncate(r.Header.Get("X-Webhook-ID"), 8),
		r.Header.Get("X-Webhook-Attempt"),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
