package main

import (
	"log"

	"pqlink/cmd"
)

func main() {
	// keep main tiny; cmd.Execute implements CLI and node bootstrap
	if err := cmd.Execute(); err != nil {
		log.Fatalf("pqlink: %v", err)
	}
}
