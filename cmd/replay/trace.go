package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Trace is a recorded session: recognizer text and raw realtime events at
// offsets from the start.
type Trace struct {
	Name    string  `yaml:"name"`
	Entries []Entry `yaml:"entries"`
}

// Entry carries exactly one of Recognizer, Realtime or Stop.
type Entry struct {
	At         string           `yaml:"at"`
	Recognizer *RecognizerEntry `yaml:"recognizer"`
	Realtime   string           `yaml:"realtime"`
	Stop       bool             `yaml:"stop"`

	offset time.Duration
}

// RecognizerEntry is the local recognizer's cumulative transcript.
type RecognizerEntry struct {
	Text  string `yaml:"text"`
	Final bool   `yaml:"final"`
}

// Offset is the parsed At.
func (e Entry) Offset() time.Duration { return e.offset }

func LoadTrace(path string) (Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Trace{}, fmt.Errorf("read trace: %w", err)
	}
	tr, err := ParseTrace(data)
	if err != nil {
		return Trace{}, fmt.Errorf("trace %s: %w", path, err)
	}
	if tr.Name == "" {
		tr.Name = path
	}
	return tr, nil
}

func ParseTrace(data []byte) (Trace, error) {
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return Trace{}, fmt.Errorf("parse yaml: %w", err)
	}
	if len(tr.Entries) == 0 {
		return Trace{}, errors.New("no entries")
	}

	var last time.Duration
	for i := range tr.Entries {
		e := &tr.Entries[i]
		d, err := parseOffset(e.At)
		if err != nil {
			return Trace{}, fmt.Errorf("entry %d: %w", i, err)
		}
		if d < last {
			return Trace{}, fmt.Errorf("entry %d: offset %s is before %s", i, d, last)
		}
		e.offset, last = d, d

		actions := 0
		if e.Recognizer != nil {
			actions++
		}
		if e.Realtime != "" {
			actions++
		}
		if e.Stop {
			actions++
		}
		if actions != 1 {
			return Trace{}, fmt.Errorf("entry %d: want exactly one of recognizer, realtime, stop (got %d)", i, actions)
		}
	}
	return tr, nil
}

func parseOffset(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad offset %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative offset %q", s)
	}
	return d, nil
}
