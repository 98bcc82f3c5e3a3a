// Package main is a viam module serving a differential-drive base.
package main

import (
	"context"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	goutils "go.viam.com/utils"
)

var model = resource.NewModel("diffdrive", "base", "differential")

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("diffDriveBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	registerBase()
	diffDriveModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	diffDriveModule.AddModelFromRegistry(ctx, base.API, model)

	err = diffDriveModule.Start(ctx)
	defer diffDriveModule.Close(ctx)

	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// helper function to add the base's constructor and metadata to the component registry, so that we can later construct it.
func registerBase() {
	resource.RegisterComponent(
		base.API,
		model,
		resource.Registration[base.Base, *Config]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger logging.Logger,
		) (base.Base, error) {
			return newBase(conf, logger)
		}})
}
