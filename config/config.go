// Package config loads and validates the YAML configuration shared by
// cmd/csbusd and cmd/csbusctl.
package config

import (
	"net/url"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RedisConfig configures the router/redisbus realization.
type RedisConfig struct {
	URL string `yaml:"url"`

	url *url.URL
}

func (self RedisConfig) Empty() bool {
	return self.URL == ""
}

func (self *RedisConfig) Addr() *url.URL {
	return self.url
}

func (self *RedisConfig) validateValues() error {
	u, err := url.Parse(self.URL)
	if err != nil {
		return errors.Wrap(err, "url.Parse")
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return errors.New("config: redis.url scheme must be redis or rediss")
	}
	self.url = u
	return nil
}

// SocketConfig configures the router/wsock hub's listen and
// advertised endpoints.
type SocketConfig struct {
	Bind         string `yaml:"bind"`
	AdvertiseURL string `yaml:"advertise_url"`
}

func (self SocketConfig) Empty() bool {
	return self.Bind == ""
}

func (self *SocketConfig) validateValues() error {
	if self.Bind == "" {
		return errors.New("config: socket.bind is required when socket is configured")
	}
	if self.AdvertiseURL == "" {
		return errors.New("config: socket.advertise_url is required when socket is configured")
	}
	if _, err := url.Parse(self.AdvertiseURL); err != nil {
		return errors.Wrap(err, "url.Parse advertise_url")
	}
	return nil
}

// AppConfig is the top-level configuration document.
type AppConfig struct {
	Namespace string       `yaml:"namespace"`
	Redis     RedisConfig  `yaml:"redis"`
	Socket    SocketConfig `yaml:"socket"`
}

// Load reads yamlPath, if present, and validates the result. A missing
// file is not an error: the zero-value AppConfig validates fine as
// long as neither Redis nor Socket is referenced by the caller.
func (self *AppConfig) Load(yamlPath string) error {
	if _, err := os.Stat(yamlPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "os.Stat")
	}

	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return errors.Wrap(err, "os.ReadFile")
	}
	return self.LoadYamldata(data)
}

func (self *AppConfig) LoadYamldata(yamlData []byte) error {
	if err := yaml.Unmarshal(yamlData, self); err != nil {
		return errors.Wrap(err, "yaml.Unmarshal")
	}
	if self.Namespace == "" {
		self.Namespace = "default"
	}
	return self.validateValues()
}

func (self *AppConfig) validateValues() error {
	if !self.Redis.Empty() {
		if err := self.Redis.validateValues(); err != nil {
			return err
		}
	}
	if !self.Socket.Empty() {
		if err := self.Socket.validateValues(); err != nil {
			return err
		}
	}
	return nil
}
