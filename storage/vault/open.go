package vault

import (
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendBolt    = "bolt"
)

// Open returns the vault for backend, creating its files at path when the
// backend is persistent.
func Open(backend, path string) (Vault, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendLevelDB:
		return OpenLevelDB(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendBolt:
		return OpenBolt(path, nil)
	default:
		return nil, fmt.Errorf("vault: unknown backend %q", backend)
	}
}
