package storage

import (
	"fmt"
	"strings"

	"github.com/casekit/docket/internal/common"
)

// Storage engine constants.
const (
	EngineBadger  = "badger"
	EngineSurreal = "surreal"
)

// NewManager creates a StorageManager for the configured engine.
// Supported engines: "badger" (embedded, default) and "surreal".
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	engine := strings.ToLower(strings.TrimSpace(config.Storage.Engine))
	if engine == "" {
		engine = EngineBadger
	}

	switch engine {
	case EngineBadger:
		return newBadgerManager(logger, config)

	case EngineSurreal:
		return newSurrealManager(logger, config)

	default:
		return nil, fmt.Errorf("unknown storage engine: %s (supported: badger, surreal)", engine)
	}
}
