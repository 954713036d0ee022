package app

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/lukasbauer/proxyvoice/internal/realtime"
	"github.com/lukasbauer/proxyvoice/internal/segmenter"
	"github.com/lukasbauer/proxyvoice/internal/session"
)

// Profile describes one conversation: what the agent is after, what it must
// never do, and the reference notes it always sees.
type Profile struct {
	Name          string             `yaml:"name"`
	Goal          string             `yaml:"goal"`
	Rules         string             `yaml:"rules"`
	PinnedContext string             `yaml:"pinned_context"`
	Memory        string             `yaml:"memory"`
	Languages     Languages          `yaml:"languages"`
	Segmenter     SegmenterOverrides `yaml:"segmenter"`
}

// Languages is the translation pair. Source is what the counterpart speaks.
type Languages struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// SegmenterOverrides replaces env-configured segmenter settings when set.
type SegmenterOverrides struct {
	PauseMs     *int  `yaml:"pause_ms"`
	StabilityMs *int  `yaml:"stability_ms"`
	SoftLimit   *int  `yaml:"soft_limit"`
	HardLimit   *int  `yaml:"hard_limit"`
	MinWords    *int  `yaml:"min_words"`
	Adaptive    *bool `yaml:"adaptive"`
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse yaml: %w", err)
	}
	p.setDefaults()
	if p.Segmenter.SoftLimit != nil && p.Segmenter.HardLimit != nil && *p.Segmenter.SoftLimit >= *p.Segmenter.HardLimit {
		return Profile{}, fmt.Errorf("segmenter soft_limit %d must be below hard_limit %d", *p.Segmenter.SoftLimit, *p.Segmenter.HardLimit)
	}
	return p, nil
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() Profile {
	var p Profile
	p.setDefaults()
	return p
}

func (p *Profile) setDefaults() {
	if p.Languages.Source == "" {
		p.Languages.Source = "en"
	}
	if p.Languages.Target == "" {
		p.Languages.Target = "en"
	}
}

func (p Profile) Brief() session.Brief {
	return session.Brief{
		Goal:          p.Goal,
		Rules:         p.Rules,
		PinnedContext: p.PinnedContext,
		Memory:        p.Memory,
	}
}

// ApplySegmenter overlays the profile's overrides on base, clamped to the
// same ranges as the environment settings.
func (p Profile) ApplySegmenter(base segmenter.Config) segmenter.Config {
	o := p.Segmenter
	if o.PauseMs != nil {
		base.PauseThreshold = time.Duration(clamp(*o.PauseMs, 200, 3000)) * time.Millisecond
	}
	if o.StabilityMs != nil {
		base.StabilityDelay = time.Duration(clamp(*o.StabilityMs, 0, 1000)) * time.Millisecond
	}
	if o.SoftLimit != nil {
		base.SoftLimit = clamp(*o.SoftLimit, 5, 60)
	}
	if o.HardLimit != nil {
		base.HardLimit = clamp(*o.HardLimit, 8, 100)
	}
	if o.MinWords != nil {
		base.MinWords = clamp(*o.MinWords, 1, 10)
	}
	if o.Adaptive != nil {
		base.Adaptive = *o.Adaptive
	}
	return base
}

// RealtimeSession configures input transcription in the source language
// and translation into the target language.
func (p Profile) RealtimeSession() realtime.SessionConfig {
	return realtime.SessionConfig{
		Instructions: fmt.Sprintf(
			"You are a live interpreter. Translate everything the user says from %s into %s. "+
				"Reply with the translation only, with no commentary.",
			p.Languages.Source, p.Languages.Target),
		TranscriptionModel: "whisper-1",
		Language:           p.Languages.Source,
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
