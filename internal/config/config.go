package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/nestwatch/helpers"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/internal/channel"
	"github.com/temoto/nestwatch/internal/envelope"
	"github.com/temoto/nestwatch/log2"
)

const (
	DefaultListen  = "tcp://0.0.0.0:65432"
	DefaultKeyEnv  = "TCP_ENCRYPTION_KEY"
	DefaultKeyFile = "nestwatch.env"
)

type Config struct {
	includeSeen map[string]struct{}
	fs          FullReader
	getenv      func(string) string
	XXX_Include []Source `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Channel struct { //nolint:maligned
		Listen          string `hcl:"listen"`
		Key             string `hcl:"key"`
		KeyFile         string `hcl:"key_file"`
		KeyEnv          string `hcl:"key_env"`
		ReplayWindowSec int    `hcl:"replay_window_sec"`
		FullEncryption  bool   `hcl:"full_encryption"`
		AuthTimeoutSec  int    `hcl:"auth_timeout_sec"`
		AckTimeoutSec   int    `hcl:"ack_timeout_sec"`
		WriteTimeoutSec int    `hcl:"write_timeout_sec"`
		ReadLimit       int    `hcl:"read_limit"`
	} `hcl:"channel"`

	Report struct {
		PersistPath  string `hcl:"persist_path"`
		HeartbeatSec int    `hcl:"heartbeat_sec"`
		Mqtt         struct {
			Enable   bool   `hcl:"enable"`
			Broker   string `hcl:"broker"`
			ClientID string `hcl:"client_id"`
			Topic    string `hcl:"topic"`
			QoS      int    `hcl:"qos"`
			Retained bool   `hcl:"retained"`
			Username string `hcl:"username"`
			Password string `hcl:"password"`
		} `hcl:"mqtt"`
	} `hcl:"report"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		// content is not logged, it may contain key
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values overwrite earlier.
// With OsFullReader relative includes resolve against directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
		fs:          fs,
		getenv:      os.Getenv,
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if _, err := c.Key(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) ListenURL() string {
	if c.Channel.Listen == "" {
		return DefaultListen
	}
	return c.Channel.Listen
}

func (c *Config) ReplayWindow() time.Duration {
	return helpers.IntSecondDefault(c.Channel.ReplayWindowSec, envelope.DefaultWindow)
}
func (c *Config) AuthTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Channel.AuthTimeoutSec, channel.DefaultAuthTimeout)
}
func (c *Config) AckTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Channel.AckTimeoutSec, bridge.DefaultAckTimeout)
}
func (c *Config) WriteTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Channel.WriteTimeoutSec, channel.DefaultWriteTimeout)
}
func (c *Config) Heartbeat() time.Duration {
	return helpers.IntSecondDefault(c.Report.HeartbeatSec, 0)
}

// Cipher returns nil when no key is configured, channel runs in plaintext.
func (c *Config) Cipher() (*envelope.Cipher, error) {
	key, err := c.Key()
	if err != nil || key == nil {
		return nil, err
	}
	return envelope.New(key, c.ReplayWindow())
}
