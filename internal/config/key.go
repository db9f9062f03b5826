package config

import (
	"bytes"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

// Key resolves shared channel key: literal key, then environment
// variable key_env, then key_file in dotenv format. nil = plaintext channel.
func (c *Config) Key() ([]byte, error) {
	key, source, err := c.resolveKey(c.getenv)
	if err != nil {
		return nil, err
	}
	switch len(key) {
	case 0:
		return nil, nil
	case 16, 24, 32:
		return key, nil
	}
	return nil, errors.NotValidf("channel key source=%s length=%d, must be 16, 24 or 32", source, len(key))
}

func (c *Config) resolveKey(getenv func(string) string) ([]byte, string, error) {
	if c.Channel.Key != "" {
		return []byte(c.Channel.Key), "key", nil
	}
	name := c.Channel.KeyEnv
	if name == "" {
		name = DefaultKeyEnv
	}
	if getenv != nil {
		if v := getenv(name); v != "" {
			return []byte(v), "env:" + name, nil
		}
	}
	path := c.Channel.KeyFile
	if path == "" {
		path = DefaultKeyFile
	}
	if c.fs == nil {
		return nil, "", nil
	}
	norm := c.fs.Normalize(path)
	b, err := c.fs.ReadAll(norm)
	if err != nil {
		return nil, "", errors.Annotatef(err, "key_file=%s", norm)
	}
	if b == nil {
		return nil, "", nil
	}
	env, err := godotenv.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, "", errors.Annotatef(err, "key_file=%s parse", norm)
	}
	v, ok := env[name]
	if !ok {
		return nil, "", errors.NotFoundf("key_file=%s variable=%s", norm, name)
	}
	return []byte(v), "file:" + norm, nil
}
