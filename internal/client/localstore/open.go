package localstore

import (
	"path/filepath"

	"go.uber.org/zap"
)

// Open selects the best available backend for dir: the indexed binary store
// when it can be opened, otherwise the flat key-value file fallback. Both
// produce identical data outcomes behind the Store contract.
func Open(dir string, opts Options, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kv, err := openBadgerKV(filepath.Join(dir, "badger"))
	if err == nil {
		logger.Debug("local store opened", zap.String("backend", "badger"), zap.String("dir", dir))
		return newKVStore(kv, opts), nil
	}
	logger.Warn("indexed store unavailable, using file fallback", zap.Error(err))

	fallback, fbErr := openFileKV(dir)
	if fbErr != nil {
		return nil, fbErr
	}
	logger.Debug("local store opened", zap.String("backend", "file"), zap.String("dir", dir))
	return newKVStore(fallback, opts), nil
}
