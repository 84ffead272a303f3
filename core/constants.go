package core

import (
	"errors"
	"time"
)

// Engine defaults
const (
	DefaultMaxConnections = 100000
	DefaultSweepInterval  = time.Second
	DefaultShutdownGrace  = 5 * time.Second
)

// Error definitions
var (
	ErrNotListening = errors.New("engine is not listening")
)
