package cmd

import (
	"fmt"

	"github.com/asheshgoplani/agent-fleet/internal/app"
	"github.com/asheshgoplani/agent-fleet/internal/attach"
	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// appOptions is appended to every app.Open call. Tests use it to swap in
// fake backends.
var appOptions []app.Option

// openApp opens the active profile. polling asks for the poll lock; a
// second process gets a read-only app instead. A database that cannot be
// opened or migrated is fatal.
func openApp(polling bool, extra ...app.Option) (*app.App, *config.Config, error) {
	cfg, _ := config.Get()
	name := cfg.ResolveProfile(profileFlag)

	opts := []app.Option{app.WithPolling(polling), app.WithDisplay(attach.NopDisplay{})}
	if path, err := config.Path(); err == nil {
		opts = append(opts, app.WithConfigPath(path))
	}
	opts = append(opts, appOptions...)
	opts = append(opts, extra...)

	a, err := app.Open(name, cfg, opts...)
	if err != nil {
		cliLog.Error("open_failed", "profile", name, "error", err.Error())
		return nil, nil, &exitError{code: ExitError, msg: fmt.Sprintf("cannot open profile %q: %v", name, err)}
	}
	return a, cfg, nil
}
