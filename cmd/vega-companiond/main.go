package main

import (
	"log"

	"github.com/benidevo/vega-companion/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
