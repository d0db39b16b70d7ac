package fixture

import (
	_ "embed"
)

//go:embed default.yaml
var defaultWorkspace []byte

// Default returns the built-in workspace served when no file is configured.
func Default() *Workspace {
	ws, err := Parse(defaultWorkspace)
	if err != nil {
		panic("fixture: default workspace: " + err.Error())
	}
	return ws
}
