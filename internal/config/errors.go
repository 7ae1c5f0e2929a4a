package config

import "errors"

// Sentinel errors for config loading. LoadOptional swallows
// ErrConfigNotFound (a missing file means defaults); everything else
// reaches the caller.
var (
	ErrConfigNotFound      = errors.New("config file not found")
	ErrConfigVersionTooNew = errors.New("config version too new")
)
