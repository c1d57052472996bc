package redis

import (
	"sort"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	// Key of the hash that holds every blob (field = file name).
	KeyFiles string `koanf:"key_files"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	if cfg.KeyFiles == "" {
		cfg.KeyFiles = "qrshare:files"
	}
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if _, err := c.Do("PING"); err != nil {
		return nil, errors.Wrap(err, "error connecting to redis")
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Put stores a blob, replacing any previous value.
func (r *Redis) Put(name string, data []byte) error {
	if err := store.ValidateName(name); err != nil {
		return err
	}
	c := r.pool.Get()
	defer c.Close()
	_, err := c.Do("HSET", r.cfg.KeyFiles, name, data)
	return errors.Wrapf(err, "error storing %q", name)
}

// Get a blob by name.
func (r *Redis) Get(name string) ([]byte, error) {
	c := r.pool.Get()
	defer c.Close()
	b, err := redis.Bytes(c.Do("HGET", r.cfg.KeyFiles, name))
	if err == redis.ErrNil {
		return nil, errors.Wrapf(store.ErrNotFound, "%q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %q", name)
	}
	return b, nil
}

// List returns the sorted blob names.
func (r *Redis) List() ([]string, error) {
	c := r.pool.Get()
	defer c.Close()
	out, err := redis.Strings(c.Do("HKEYS", r.cfg.KeyFiles))
	if err != nil {
		return nil, errors.Wrap(err, "error listing files")
	}
	sort.Strings(out)
	return out, nil
}

// Delete a blob. It reports whether the blob existed.
func (r *Redis) Delete(name string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()
	n, err := redis.Int(c.Do("HDEL", r.cfg.KeyFiles, name))
	if err != nil {
		return false, errors.Wrapf(err, "error deleting %q", name)
	}
	return n > 0, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
