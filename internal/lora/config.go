package lora

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ConfigFileName is the PEFT adapter config side file.
const ConfigFileName = "adapter_config.json"

// AdapterConfig mirrors adapter_config.json. Unrecognized fields are kept
// verbatim in Extra so a rewrite does not lose them.
type AdapterConfig struct {
	R             int                        `json:"r"`
	LoraAlpha     float64                    `json:"lora_alpha"`
	TargetModules []string                   `json:"target_modules"`
	LoraDropout   float64                    `json:"lora_dropout"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// LoadAdapterConfig reads adapter_config.json from dir. A missing or
// unparsable file is a normal "not present" outcome: (nil, nil).
func LoadAdapterConfig(dir string) (*AdapterConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, nil
	}

	var cfg AdapterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil
	}
	if cfg.TargetModules == nil {
		cfg.TargetModules = []string{}
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err == nil {
		delete(all, "r")
		delete(all, "lora_alpha")
		delete(all, "target_modules")
		delete(all, "lora_dropout")
		if len(all) > 0 {
			cfg.Extra = all
		}
	}
	return &cfg, nil
}
