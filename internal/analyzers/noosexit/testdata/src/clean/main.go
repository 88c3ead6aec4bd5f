package main

import (
	"errors"
	"log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error { return errors.New("failed") }
