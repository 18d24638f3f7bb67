// Command server runs the health-check and migration-control HTTP server.
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/hackclub/warehouse-scripts/internal/server"
	"github.com/hackclub/warehouse-scripts/internal/websocket"
)

func main() {
	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	hub := websocket.NewHub()
	defer hub.CloseAll()

	srv := server.New(hub)

	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Routes()); err != nil {
		log.Fatal(err)
	}
}
