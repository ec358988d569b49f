package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/codeforberlin/mycyclingcity-sub001/cmd/mcc-tachod/app"
)

func main() {
	if err := app.NewTachometerCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
