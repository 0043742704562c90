package main

import (
	"log"

	"github.com/austindbirch/scrapehook/cmd/scrapectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
