// Package plugins assembles the static factory table the registry
// loads from. Adding a plugin means adding it here and rebuilding.
package plugins

import (
	"github.com/yydsdd211/xybot/internal/plugin"
	"github.com/yydsdd211/xybot/plugins/manager"
	"github.com/yydsdd211/xybot/plugins/points"
	"github.com/yydsdd211/xybot/plugins/signin"
	"github.com/yydsdd211/xybot/plugins/welcome"
)

// All builds the factory table. ctl resolves the manager's registry
// handle lazily, after the registry is constructed.
func All(ctl func() manager.Controller) map[string]plugin.Factory {
	return map[string]plugin.Factory{
		manager.Name: manager.Factory(ctl),
		signin.Name:  signin.New,
		points.Name:  points.New,
		welcome.Name: welcome.New,
	}
}
