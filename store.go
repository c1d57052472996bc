package main

import (
	"io"

	"github.com/knadh/qrshare/store"
	"github.com/knadh/qrshare/store/fs"
	"github.com/knadh/qrshare/store/mem"
	"github.com/knadh/qrshare/store/redis"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// makeStore creates a new store.Store instance
// according to configuration options
func makeStore(kind string, l zerolog.Logger) (store.Store, error) {
	switch kind {
	case "redis":
		var storeCfg redis.Config
		if err := ko.Unmarshal("store.redis", &storeCfg); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling 'store.redis' config")
		}
		return redis.New(storeCfg)

	case "memory":
		var storeCfg mem.Config
		if err := ko.Unmarshal("store.memory", &storeCfg); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling 'store.memory' config")
		}
		return mem.New(storeCfg)

	case "fs":
		var storeCfg fs.Config
		if err := ko.Unmarshal("store.fs", &storeCfg); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling 'store.fs' config")
		}
		return fs.New(storeCfg, l)
	}
	return nil, errors.Errorf("app.storage must be one of redis|memory|fs, got %q", kind)
}

// closeStore releases the store's resources if it holds any.
func closeStore(st store.Store) error {
	if c, ok := st.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
