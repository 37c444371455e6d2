package causallm

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/xent/internal/xent"
)

// hfConfig is the subset of a Hugging Face config.json that controls the
// logit transforms. A null or absent value means the transform is off.
type hfConfig struct {
	FinalLogitSoftcapping *float64 `json:"final_logit_softcapping"`
	LogitScale            *float64 `json:"logit_scale"`
}

// LoadTransform reads the logit transform from a model config.json.
func LoadTransform(path string) (xent.Transform, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return xent.Transform{}, err
	}
	t, err := ParseTransform(raw)
	if err != nil {
		return xent.Transform{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTransform decodes final_logit_softcapping and logit_scale. Values
// missing at the top level are taken from a nested text_config, which is
// where multimodal configs keep their language model settings.
func ParseTransform(raw []byte) (xent.Transform, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return xent.Transform{}, err
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return xent.Transform{}, err
	}
	var t xent.Transform
	if cfg.FinalLogitSoftcapping != nil {
		t.Softcap = float32(*cfg.FinalLogitSoftcapping)
	}
	if cfg.LogitScale != nil {
		t.Scale = float32(*cfg.LogitScale)
	}
	if err := t.Validate(); err != nil {
		return xent.Transform{}, err
	}
	return t, nil
}

func mergeTextConfigMissing(dst *hfConfig, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 || string(textRaw) == "null" {
		return nil
	}
	var text hfConfig
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return fmt.Errorf("text_config: %w", err)
	}
	if dst.FinalLogitSoftcapping == nil {
		dst.FinalLogitSoftcapping = text.FinalLogitSoftcapping
	}
	if dst.LogitScale == nil {
		dst.LogitScale = text.LogitScale
	}
	return nil
}
