package feed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML fixture of orders and IOIs published at start-up.
type Seed struct {
	Orders []map[string]string `yaml:"orders"`
	IOIs   []map[string]string `yaml:"iois"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &s, nil
}

// Publish pushes the seeded orders, then the IOIs, into their feeds.
func (s *Seed) Publish(orders, iois *Feed) error {
	for i, values := range s.Orders {
		if _, err := orders.Publish(values); err != nil {
			return fmt.Errorf("seed order %d: %w", i, err)
		}
	}
	for i, values := range s.IOIs {
		if _, err := iois.Publish(values); err != nil {
			return fmt.Errorf("seed ioi %d: %w", i, err)
		}
	}
	return nil
}
