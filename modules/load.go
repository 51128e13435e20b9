package modules

import (
	"fmt"

	"github.com/lahari-sy/finmap/pkg/application"
)

// Load registers modules in order and stops at the first failure.
func Load(app application.Application, modules ...application.Module) error {
	for _, module := range modules {
		if err := module.Register(app); err != nil {
			return fmt.Errorf("register module %s: %w", module.Name(), err)
		}
	}
	return nil
}
