package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/otaupdater/cmd/cpeer-ota-updater/app"
)

func main() {
	app.NewApp().Run()
}
