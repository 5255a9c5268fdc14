package main

import (
	"log"

	"github.com/cutemonstersnft/solanapay-compression/cmd/internal/passphrase"
	"github.com/cutemonstersnft/solanapay-compression/services/checkout"
)

func main() {
	if err := checkout.Main(passphrase.NewSource("CHECKOUT_KEYSTORE_PASSPHRASE").Get); err != nil {
		log.Fatalf("checkout: %v", err)
	}
}
