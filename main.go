package main

import (
	"log"

	"github.com/laskar-os/laskarboot/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
