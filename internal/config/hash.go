package config

import (
	"encoding/json"
	"hash/fnv"
)

// Hash fingerprints cfg so the watcher can skip rewrites that change nothing.
// Encoding follows struct order, so equal configs hash equal; nil and
// unencodable configs hash to 0.
func Hash(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
