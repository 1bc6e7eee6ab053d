package config

import "errors"

// ErrInvalidConfig reports a configuration value the engine cannot run with.
var ErrInvalidConfig = errors.New("invalid configuration")
