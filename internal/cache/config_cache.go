// internal/cache/config_cache.go
package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/logger"
	"github.com/unclebandit/smsforward/internal/model"
)

const (
	keyName    = "config_secret_key"
	configName = "email_configs"

	// ExportVersion is the only bundle version Import accepts.
	ExportVersion = 1
)

// Bundle is the export/import wire format. Secrets are plaintext inside it.
type Bundle struct {
	Version   int                     `json:"version"`
	Timestamp int64                   `json:"timestamp"`
	Configs   []model.TransportTarget `json:"configs"`
}

// ConfigCache keeps an encrypted snapshot of all transport targets so they
// survive loss of the primary store.
type ConfigCache struct {
	keys    KV
	configs KV

	mu  sync.Mutex
	key atomic.Pointer[[]byte]

	// writeMu orders whole-blob writes.
	writeMu sync.Mutex
}

func NewConfigCache(keys, configs KV) *ConfigCache {
	return &ConfigCache{keys: keys, configs: configs}
}

// OpenFileCache puts keys and ciphertext in two namespaces under dir.
func OpenFileCache(dir string) (*ConfigCache, error) {
	keys, err := NewFileKV(dir, "keys")
	if err != nil {
		return nil, err
	}
	configs, err := NewFileKV(dir, "configs")
	if err != nil {
		return nil, err
	}
	return NewConfigCache(keys, configs), nil
}

// secretKey returns the cache key, generating and persisting it on first use.
// Only one writer can persist a key; a loser adopts the stored one.
func (c *ConfigCache) secretKey() ([]byte, error) {
	if k := c.key.Load(); k != nil {
		return *k, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if k := c.key.Load(); k != nil {
		return *k, nil
	}

	key, err := c.readKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		fresh, err := newKey()
		if err != nil {
			return nil, appErrors.NewEncryptionError("generate key", err)
		}
		won, err := c.keys.SetIfAbsent(keyName, base64.StdEncoding.EncodeToString(fresh))
		if err != nil {
			return nil, appErrors.NewEncryptionError("persist key", err)
		}
		if won {
			key = fresh
		} else if key, err = c.readKey(); err != nil {
			return nil, err
		} else if key == nil {
			return nil, appErrors.NewEncryptionError("persist key", fmt.Errorf("key vanished after concurrent write"))
		}
	}
	c.key.Store(&key)
	return key, nil
}

func (c *ConfigCache) readKey() ([]byte, error) {
	encoded, ok, err := c.keys.Get(keyName)
	if err != nil {
		return nil, appErrors.NewEncryptionError("read key", err)
	}
	if !ok {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != keySize {
		return nil, appErrors.NewEncryptionError("read key", fmt.Errorf("stored key is malformed"))
	}
	return key, nil
}

// Save encrypts the whole target set as one blob.
func (c *ConfigCache) Save(targets []model.TransportTarget) error {
	if targets == nil {
		targets = []model.TransportTarget{}
	}
	plain, err := json.Marshal(targets)
	if err != nil {
		return appErrors.NewEncryptionError("encode", err)
	}
	key, err := c.secretKey()
	if err != nil {
		return err
	}
	blob, err := seal(key, plain)
	if err != nil {
		return appErrors.NewEncryptionError("encrypt", err)
	}
	c.writeMu.Lock()
	err = c.configs.Set(configName, blob)
	c.writeMu.Unlock()
	if err != nil {
		return appErrors.NewEncryptionError("write", err)
	}
	logger.Debug("config cache saved", zap.Int("targets", len(targets)))
	return nil
}

// Load never fails: a missing, corrupt or undecryptable cache reads as empty.
func (c *ConfigCache) Load() []model.TransportTarget {
	targets, err := c.load()
	if err != nil {
		logger.Warn("config cache unreadable, treating as empty", zap.Error(err))
		return []model.TransportTarget{}
	}
	return targets
}

func (c *ConfigCache) load() ([]model.TransportTarget, error) {
	blob, ok, err := c.configs.Get(configName)
	if err != nil {
		return nil, appErrors.NewEncryptionError("read", err)
	}
	if !ok || blob == "" {
		return []model.TransportTarget{}, nil
	}
	key, err := c.secretKey()
	if err != nil {
		return nil, err
	}
	plain, err := open(key, blob)
	if err != nil {
		return nil, appErrors.NewEncryptionError("decrypt", err)
	}
	var targets []model.TransportTarget
	if err := json.Unmarshal(plain, &targets); err != nil {
		return nil, appErrors.NewEncryptionError("decode", err)
	}
	if targets == nil {
		targets = []model.TransportTarget{}
	}
	return targets, nil
}

func (c *ConfigCache) HasCached() bool {
	return len(c.Load()) > 0
}

// Export wraps the decrypted targets in a versioned base64 bundle. The second
// result is false when there is nothing to export.
func (c *ConfigCache) Export() (string, bool) {
	targets := c.Load()
	if len(targets) == 0 {
		return "", false
	}
	data, err := json.Marshal(Bundle{
		Version:   ExportVersion,
		Timestamp: time.Now().UnixMilli(),
		Configs:   targets,
	})
	if err != nil {
		logger.Warn("config export failed", zap.Error(err))
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// DecodeBundle parses and version-checks an export blob without touching the cache.
func DecodeBundle(text string) (*Bundle, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, appErrors.NewMalformedImportError("not base64")
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, appErrors.NewMalformedImportError("not a config bundle")
	}
	if b.Version != ExportVersion {
		return nil, appErrors.NewImportVersionError(b.Version)
	}
	if b.Configs == nil {
		return nil, appErrors.NewMalformedImportError("configs missing")
	}
	return &b, nil
}

// ImportBundle replaces the cached set with the bundle's targets.
func (c *ConfigCache) ImportBundle(text string) ([]model.TransportTarget, error) {
	b, err := DecodeBundle(text)
	if err != nil {
		return nil, err
	}
	if err := c.Save(b.Configs); err != nil {
		return nil, err
	}
	return b.Configs, nil
}

// Import reports whether the bundle was accepted; a rejected bundle leaves
// the cache untouched.
func (c *ConfigCache) Import(text string) bool {
	if _, err := c.ImportBundle(text); err != nil {
		logger.Warn("config import rejected", zap.Error(err))
		return false
	}
	return true
}

// Clear drops the cached targets. The key is kept.
func (c *ConfigCache) Clear() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.configs.Delete(configName)
}
