// Package project turns a config into a ready-to-run Task: project presets,
// result store, artifact repository, log parser and the standard step chain.
package project

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/throw-if-null/trainloop/internal/config"
)

// Preset is the sheet layout and log policy of a project kind.
type Preset struct {
	Columns         []string
	Modes           []string
	CommitColumn    string
	LogSuffixAlways bool
}

var presets = map[string]Preset{
	"cifar":      {Columns: []string{"K", "L", "M"}, Modes: []string{"A", "A", "W"}, CommitColumn: "O", LogSuffixAlways: true},
	"voc_det":    {Columns: []string{"N", "O", "P"}, Modes: []string{"A", "A", "W"}, CommitColumn: "R"},
	"voc_seg":    {Columns: []string{"L", "M", "N"}, Modes: []string{"A", "A", "W"}, CommitColumn: "P"},
	"coco_det":   {Columns: []string{"N", "O", "P"}, Modes: []string{"A", "A", "W"}, CommitColumn: "R"},
	"cityscapes": {Columns: []string{"M", "N", "O"}, Modes: []string{"A", "A", "W"}, CommitColumn: "Q"},
}

var ErrUnknownKind = errors.New("unknown project kind")

// Kinds lists the known project kinds.
func Kinds() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the preset of kind.
func Lookup(kind string) (Preset, bool) {
	p, ok := presets[kind]
	return p, ok
}

// ApplyPreset fills project settings left empty in cfg from the preset of
// cfg.Project.Kind. Explicit settings win. A project without a kind must
// configure its layout itself.
func ApplyPreset(cfg config.Config) (config.Config, error) {
	pc := &cfg.Project
	if pc.Kind == "" {
		return cfg, nil
	}
	p, ok := presets[pc.Kind]
	if !ok {
		return cfg, errors.Wrapf(ErrUnknownKind, "%q (known: %v)", pc.Kind, Kinds())
	}
	if len(pc.Columns) == 0 {
		pc.Columns = append([]string{}, p.Columns...)
	}
	if len(pc.Modes) == 0 {
		pc.Modes = append([]string{}, p.Modes...)
	}
	// the commit column needs a dependency checkout
	if pc.CommitColumn == "" && pc.DepRepoPath != "" {
		pc.CommitColumn = p.CommitColumn
	}
	if pc.LogSuffixAlways == nil {
		v := p.LogSuffixAlways
		pc.LogSuffixAlways = &v
	}
	if pc.Name == "" {
		pc.Name = pc.Kind
	}
	return cfg, nil
}
