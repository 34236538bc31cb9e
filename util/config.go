package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                      string
		HttpPort                  int      `yaml:"httpPort"`
		SslDomain                 string   `yaml:"sslDomain"`
		Username                  string   `yaml:"username"`
		MediaDir                  string   `yaml:"mediaDir"`
		RetentionDays             int      `yaml:"retentionDays"`
		ManuallyApprovesFollowers bool     `yaml:"manuallyApprovesFollowers"`
		MaxDeliveryWorkers        int      `yaml:"maxDeliveryWorkers"`
		PerHostDeliveryLimit      int      `yaml:"perHostDeliveryLimit"`
		DisabledNotifications     []string `yaml:"disabledNotifications"`
		BlockedServers            []string `yaml:"blockedServers"`
	}
}

// NotificationEnabled reports whether a notification kind should be
// emitted. Pending follow requests are always surfaced, otherwise
// manual approval would be impossible to act on.
func (c *AppConfig) NotificationEnabled(kind string) bool {
	if kind == "pending_incoming_follower" {
		return true
	}
	for _, disabled := range c.Conf.DisabledNotifications {
		if disabled == kind {
			return false
		}
	}
	return true
}

// ServerBlocked reports whether a remote domain is on the server blocklist.
func (c *AppConfig) ServerBlocked(domain string) bool {
	for _, blocked := range c.Conf.BlockedServers {
		if strings.EqualFold(blocked, domain) {
			return true
		}
	}
	return false
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Infof("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warnf("could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Infof("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if env := os.Getenv("MAMMUT_HOST"); env != "" {
		c.Conf.Host = env
	}

	if env := os.Getenv("MAMMUT_HTTPPORT"); env != "" {
		v, err := strconv.Atoi(env)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if env := os.Getenv("MAMMUT_SSLDOMAIN"); env != "" {
		c.Conf.SslDomain = env
	}

	if env := os.Getenv("MAMMUT_USERNAME"); env != "" {
		c.Conf.Username = env
	}

	if env := os.Getenv("MAMMUT_MEDIADIR"); env != "" {
		c.Conf.MediaDir = env
	}

	if env := os.Getenv("MAMMUT_RETENTION_DAYS"); env != "" {
		v, err := strconv.Atoi(env)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.RetentionDays = v
	}

	if env := os.Getenv("MAMMUT_MANUAL_FOLLOWERS"); env == "true" {
		c.Conf.ManuallyApprovesFollowers = true
	}

	if env := os.Getenv("MAMMUT_BLOCKED_SERVERS"); env != "" {
		c.Conf.BlockedServers = strings.Split(env, ",")
	}

	if c.Conf.MaxDeliveryWorkers <= 0 {
		c.Conf.MaxDeliveryWorkers = 4
	}

	if c.Conf.PerHostDeliveryLimit <= 0 {
		c.Conf.PerHostDeliveryLimit = 2
	}

	return c, nil
}
