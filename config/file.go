package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile merges the YAML file at path into c. Keys absent from the file
// keep their current values; unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Join(ErrReadingFile, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	c.ConfigFile = path
	return nil
}
