package spec

import (
	"fmt"

	"avatar-pipeline/core/models"

	"gopkg.in/yaml.v3"
)

// RunSpec represents the YAML run specification submitted by callers
type RunSpec struct {
	Run RunSpecRun `yaml:"run"`
}

// RunSpecRun represents the run section of the spec
type RunSpecRun struct {
	Text       string        `yaml:"text"`
	Voice      string        `yaml:"voice,omitempty"`
	Person     RunSpecPerson `yaml:"person"`
	Background RunSpecBG     `yaml:"background"`
	Music      RunSpecMusic  `yaml:"music"`
}

// RunSpecPerson selects which detected person drives the avatar
type RunSpecPerson struct {
	Index *int `yaml:"index,omitempty"`
}

// RunSpecBG configures background handling
type RunSpecBG struct {
	Remove bool `yaml:"remove"`
}

// RunSpecMusic configures optional background music
type RunSpecMusic struct {
	Track  string   `yaml:"track,omitempty"`
	Volume *float64 `yaml:"volume,omitempty"`
}

// ParseRunSpec parses a YAML run specification into a RunConfig
func ParseRunSpec(specYAML string) (models.RunConfig, error) {
	var spec RunSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return models.RunConfig{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := models.RunConfig{
		Text:             spec.Run.Text,
		Voice:            spec.Run.Voice,
		RemoveBackground: spec.Run.Background.Remove,
		BGM:              spec.Run.Music.Track,
	}

	if spec.Run.Person.Index != nil {
		cfg.PersonIndex = *spec.Run.Person.Index
	}
	if spec.Run.Music.Volume != nil {
		cfg.BGMVolume = *spec.Run.Music.Volume
	}

	// Set defaults
	if cfg.Voice == "" {
		cfg.Voice = "default"
	}
	if cfg.BGM != "" && cfg.BGMVolume == 0 {
		cfg.BGMVolume = 0.2
	}

	return cfg, validate(cfg)
}

func validate(cfg models.RunConfig) error {
	if cfg.Text == "" {
		return fmt.Errorf("run.text is required")
	}
	if cfg.PersonIndex < 0 {
		return fmt.Errorf("run.person.index must not be negative")
	}
	if cfg.BGMVolume < 0 || cfg.BGMVolume > 1 {
		return fmt.Errorf("run.music.volume must be between 0 and 1")
	}
	return nil
}
