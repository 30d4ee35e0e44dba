package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML document from path, decodes it into a DemuxerConfig,
// and fills any field left zero with its default tag value.
func Load(path string) (*DemuxerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFrom(f)
}

// LoadFrom is Load but reads from an already-open reader, for callers that
// embed configuration (tests, or a config fetched over the network).
func LoadFrom(r io.Reader) (*DemuxerConfig, error) {
	cfg := &DemuxerConfig{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	SetDefaults(cfg)
	return cfg, nil
}
