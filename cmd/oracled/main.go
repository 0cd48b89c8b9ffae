package main

import (
	"log"

	"evmoracle/services/oracled"
)

func main() {
	if err := oracled.Main(); err != nil {
		log.Fatalf("oracled: %v", err)
	}
}
