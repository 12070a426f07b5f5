package main

import (
	"log"

	"valyra/services/valyrad"
)

func main() {
	if err := valyrad.Main(); err != nil {
		log.Fatalf("valyrad: %v", err)
	}
}
