package connector

import (
	"sort"
	"sync"

	"github.com/tessera-db/tessera/pkg/errors"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Connector)
)

// Register makes a connector available by its type identifier. Connector
// packages register themselves from init.
func Register(c Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Type()] = c
}

// Lookup returns the connector registered for the type.
func Lookup(connectorType string) (Connector, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	c, ok := registry[connectorType]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid,
			"unknown connector type: %s", connectorType).Err()
	}
	return c, nil
}

// Types returns the registered connector types, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
