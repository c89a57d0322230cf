package main

import (
	"log"
	"net/http"
	"os"

	"github.com/harperlane7/Thorn-And-Thistle/internal/superadmin"
)

func main() {
	addr := os.Getenv("SUPERADMIN_HTTP_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	h, err := superadmin.NewHandler()
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("superadmin listening on %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal(err)
	}
}
