package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "fedipage"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host           string
		HttpPort       int    `yaml:"httpPort"`
		BaseDomain     string `yaml:"baseDomain"`
		ActorName      string `yaml:"actorName"`
		KeyId          string `yaml:"keyId"`
		PrivateKeyFile string `yaml:"privateKeyFile"`
		DbPath         string `yaml:"dbPath"`
		WebRoot        string `yaml:"webRoot"`
		AuthorUrl      string `yaml:"authorUrl"`
		AuthorName     string `yaml:"authorName"`
		VerifyInbound  bool   `yaml:"verifyInbound"`
	}
}

// ActorURI returns the URI of the site actor, ex. https://blog.example/@blog
func (c *AppConfig) ActorURI() string {
	return fmt.Sprintf("%s/%s", c.Conf.BaseDomain, c.Conf.ActorName)
}

// SigningKeyId returns the configured key id, falling back to the actor's main key.
func (c *AppConfig) SigningKeyId() string {
	if c.Conf.KeyId != "" {
		return c.Conf.KeyId
	}
	return c.ActorURI() + "#main-key"
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("FEDIPAGE_HOST")
	envHttpPort := os.Getenv("FEDIPAGE_HTTPPORT")
	envBaseDomain := os.Getenv("FEDIPAGE_BASEDOMAIN")
	envActorName := os.Getenv("FEDIPAGE_ACTORNAME")
	envKeyId := os.Getenv("FEDIPAGE_KEYID")
	envPrivateKey := os.Getenv("FEDIPAGE_PRIVATEKEYFILE")
	envDbPath := os.Getenv("FEDIPAGE_DBPATH")
	envWebRoot := os.Getenv("FEDIPAGE_WEBROOT")
	envVerify := os.Getenv("FEDIPAGE_VERIFYINBOUND")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envBaseDomain != "" {
		c.Conf.BaseDomain = envBaseDomain
	}

	if envActorName != "" {
		c.Conf.ActorName = envActorName
	}

	if envKeyId != "" {
		c.Conf.KeyId = envKeyId
	}

	if envPrivateKey != "" {
		c.Conf.PrivateKeyFile = envPrivateKey
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envWebRoot != "" {
		c.Conf.WebRoot = envWebRoot
	}

	if envVerify == "false" {
		c.Conf.VerifyInbound = false
	}

	return c, nil
}
