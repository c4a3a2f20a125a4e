package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrInvalidInterval  = errors.New("invalid interval")
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrInvalidTransport = errors.New("invalid transport")
	ErrInvalidMetrics   = errors.New("invalid metrics settings")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
