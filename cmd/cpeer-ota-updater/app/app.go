package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/otaupdater/cmd/cpeer-ota-updater/app/options"
	"github.com/autopeer-io/otaupdater/pkg/app"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

const (
	commandName = "cpeer-ota-updater"
	commandDesc = `The OTA updater runs on the device. Once the network link has an
address it streams a firmware image into the inactive flash slot, checks it,
points the bootloader at it and restarts. A failed download leaves the
running firmware selected.`
)

func NewApp() *app.App {
	opts := options.NewUpdaterOptions()
	application := app.NewApp(
		commandName,
		"Launch the device OTA updater",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithEnvPrefix("CPEER_OTA"),
		app.WithWatchConfig(),
		app.WithRunFunc(run(opts)),
		app.WithSubCommands(
			newPartitionsCommand(opts),
			newMarkBootCommand(opts),
		),
	)
	return application
}

func run(opts *options.UpdaterOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		u, err := cfg.NewUpdater()
		if err != nil {
			return fmt.Errorf("failed to create updater: %w", err)
		}

		return u.Run(ctx)
	}
}
