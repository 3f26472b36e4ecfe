package logparse

import (
	"sort"

	"github.com/pkg/errors"
)

var presets = map[string]func() Parser{
	"cifar":      func() Parser { return &EpochParser{Key: "acc", Mode: All, Select: ClassificationFields} },
	"voc_det":    func() Parser { return &EpochParser{Key: "mAP", Mode: Max, Select: DenseFields} },
	"voc_seg":    func() Parser { return &EpochParser{Key: "miou", Mode: All, Select: DenseFields} },
	"coco_det":   func() Parser { return &EpochParser{Key: "AP", Mode: Max, Select: DenseFields} },
	"cityscapes": func() Parser { return &EpochParser{Key: "miou", Mode: All, Select: DenseFields} },
}

var ErrUnknownParser = errors.New("unknown log parser")

// ForKind returns the parser of a project kind.
func ForKind(kind string) (Parser, error) {
	mk, ok := presets[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownParser, "%q", kind)
	}
	return mk(), nil
}

// Kinds lists the project kinds with a parser.
func Kinds() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
