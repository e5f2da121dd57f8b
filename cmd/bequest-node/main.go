package main

import (
	"log"
	"net/http"
	"os"
)

// bequest-node is the hosted demo: the whole release engine in one
// process with an in-memory store, a manual clock, and a recording
// executor. Nothing persists; restarting resets the world.
func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	world, err := newDemoWorld()
	if err != nil {
		log.Fatalf("Failed to build demo world: %v", err)
	}

	mux := http.NewServeMux()
	RegisterDemoRoutes(mux, world)

	log.Printf("[bequest-node] demo ready: http://localhost:%s/demo", port)
	//nolint:gosec // Demo server, no timeouts needed
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("Demo server failed: %v", err)
	}
}
