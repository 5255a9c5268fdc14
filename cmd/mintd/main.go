package main

import (
	"log"

	"github.com/cutemonstersnft/solanapay-compression/cmd/internal/passphrase"
	"github.com/cutemonstersnft/solanapay-compression/services/mintd"
)

func main() {
	if err := mintd.Main(passphrase.NewSource("MINTD_KEYSTORE_PASSPHRASE").Get); err != nil {
		log.Fatalf("mintd: %v", err)
	}
}
