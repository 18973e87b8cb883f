// Package engine is the public control surface of one headless player.
// Every component of a player shares a Context and runs on its loop.
package engine

import (
	"github.com/king-prawns/Tape/internal/config"
	"github.com/king-prawns/Tape/internal/events"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/loop"
	"github.com/king-prawns/Tape/internal/transport"
)

// Context is the per-player environment handed to the components.
type Context struct {
	ID     string
	Bus    *events.Bus
	Sched  loop.Scheduler
	Config *config.Config
	Logger logger.Logger
	// Transport is nil until Load.
	Transport *transport.Transport
}

// Lifecycle is the coarse player lifecycle.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Loaded
	Destroyed
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Loaded:
		return "loaded"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}
