package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"

	"github.com/darkhz/bluestream/session"
)

const (
	configFile   = "bluestream.conf"
	keyStoreFile = "keys.json"
)

// Config describes the configuration for the app.
type Config struct {
	path string

	Values Values
}

// NewConfig returns a new configuration.
func NewConfig() *Config {
	return &Config{}
}

// Load loads the configuration from the configuration file and the command-line flags.
func (c *Config) Load(k *koanf.Koanf, cliCtx *cli.Context) error {
	if err := c.createConfigDir(); err != nil {
		return err
	}

	cfgfile, err := c.FilePath(configFile)
	if err != nil {
		return err
	}

	if err := k.Load(file.Provider(cfgfile), hjson.Parser()); err != nil {
		return err
	}

	if cliCtx != nil {
		if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
			return err
		}
	}

	return k.UnmarshalWithConf("", &c.Values, koanf.UnmarshalConf{Tag: "koanf"})
}

// ValidateValues validates the configuration values and derives the engine configuration.
func (c *Config) ValidateValues() error {
	if c.Values.KeyStore == "" && c.path != "" {
		c.Values.KeyStore = filepath.Join(c.path, keyStoreFile)
	}

	return c.Values.validateValues()
}

// ValidateSessionValues validates all configuration values that require a running session.
func (c *Config) ValidateSessionValues(s *session.Session) error {
	return c.Values.validateSessionValues(s)
}

// Dir returns the configuration directory, once it has been loaded.
func (c *Config) Dir() string {
	return c.path
}

// createConfigDir checks for and/or creates a configuration directory.
func (c *Config) createConfigDir() error {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	type configDir struct {
		path, fullpath        string
		hidden, prefixHomeDir bool
	}

	configPaths := []*configDir{
		{path: os.Getenv("XDG_CONFIG_HOME")},
		{path: ".config", prefixHomeDir: true},
		{path: ".", hidden: true, prefixHomeDir: true},
	}

	for _, dir := range configPaths {
		name := "bluestream"

		if dir.path == "" {
			continue
		}

		if dir.hidden {
			name = "." + name
		}

		if dir.prefixHomeDir {
			dir.path = filepath.Join(homedir, dir.path)
		}

		dir.fullpath = filepath.Join(dir.path, name)
		if _, err := os.Stat(filepath.Clean(dir.fullpath)); err == nil {
			c.path = dir.fullpath
			break
		}
	}

	if c.path != "" {
		return nil
	}

	var pathErrors []string

	for _, dir := range configPaths {
		if dir.fullpath == "" {
			continue
		}

		if err := os.Mkdir(dir.fullpath, 0o700); err == nil {
			c.path = dir.fullpath
			return nil
		}

		pathErrors = append(pathErrors, dir.fullpath)
	}

	return fmt.Errorf("the configuration directories could not be created at\n%s", strings.Join(pathErrors, "\n"))
}

// FilePath returns the absolute path for the given configuration file,
// creating an empty one if it does not exist.
func (c *Config) FilePath(configFile string) (string, error) {
	confPath := filepath.Join(c.path, configFile)

	if _, err := os.Stat(confPath); err != nil {
		fd, err := os.Create(confPath)
		if err != nil {
			return "", fmt.Errorf("cannot create %s file at %s", configFile, confPath)
		}

		fd.Close()
	}

	return confPath, nil
}

// GenerateAndSave writes the merged configuration back to the configuration file.
func (c *Config) GenerateAndSave(currentCfg *koanf.Koanf) error {
	data, err := hjson.Parser().Marshal(currentCfg.All())
	if err != nil {
		return err
	}

	conf, err := c.FilePath(configFile)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(conf, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Write(data); err != nil {
		return err
	}

	return f.Sync()
}
