package logparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects which validation result a summary reports.
type Mode string

const (
	// Final reports the last epoch.
	Final Mode = "final"
	// Max reports the best epoch.
	Max Mode = "max"
	// All reports "final(max)" pairs.
	All Mode = "all"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Final, Max, All:
		return m, nil
	}
	return "", errors.Errorf("unknown summary mode %q", s)
}

var (
	timeRe   = regexp.MustCompile(`^(\d{2}:\d{2}:\d{2})`)
	metricRe = regexp.MustCompile(`([a-zA-Z0-9]{2,5}): (\d+\.\d{4})`)
)

const (
	clockLayout = "15:04:05"
	daySeconds  = 24 * 60 * 60
	missing     = -1.0
)

// epochLine is one "train" or "valid" line of an epoch.
type epochLine struct {
	end     time.Time
	metrics map[string]float64
}

type epochLog struct {
	start time.Time
	train []epochLine
	// valid[i] is nil when epoch i has no validation line.
	valid []*epochLine
}

// Summary is the condensed result of an epoch log.
type Summary struct {
	FinalMetric    float64
	MaxMetric      float64
	FinalLoss      float64
	MaxMetricLoss  float64
	TotalCost      time.Duration
	EpochTime      float64
	EpochTrainTime float64
}

// clockDiff returns end-start in whole seconds, wrapping past midnight.
func clockDiff(end, start time.Time) int {
	d := int(end.Sub(start) / time.Second)
	return ((d % daySeconds) + daySeconds) % daySeconds
}

func parseLine(log, l string) (epochLine, error) {
	m := timeRe.FindStringSubmatch(l)
	if m == nil {
		return epochLine{}, parseErrorf(log, "no timestamp in line %q", l)
	}
	t, err := time.Parse(clockLayout, m[1])
	if err != nil {
		return epochLine{}, parseErrorf(log, "bad timestamp in line %q", l)
	}
	out := epochLine{end: t, metrics: map[string]float64{}}
	for _, mm := range metricRe.FindAllStringSubmatch(l, -1) {
		v, err := strconv.ParseFloat(mm[2], 64)
		if err != nil {
			return epochLine{}, parseErrorf(log, "bad metric %q", mm[0])
		}
		out.metrics[mm[1]] = v
	}
	return out, nil
}

func splitEpochs(text string) (*epochLog, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) == 0 || len(lines[0]) < len(clockLayout) {
		return nil, parseErrorf(text, "log does not start with a timestamp")
	}
	start, err := time.Parse(clockLayout, lines[0][:len(clockLayout)])
	if err != nil {
		return nil, parseErrorf(text, "log does not start with a timestamp")
	}
	el := &epochLog{start: start}

	var cur []string
	flush := func() error {
		defer func() { cur = nil }()
		if len(cur) != 1 && len(cur) != 2 {
			return nil
		}
		tr, err := parseLine(text, cur[0])
		if err != nil {
			return err
		}
		el.train = append(el.train, tr)
		if len(cur) == 1 {
			el.valid = append(el.valid, nil)
			return nil
		}
		va, err := parseLine(text, cur[1])
		if err != nil {
			return err
		}
		el.valid = append(el.valid, &va)
		return nil
	}
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "Epoch"):
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.Contains(l, " train ") || strings.Contains(l, "valid"):
			cur = append(cur, l)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return el, nil
}

// metricSeries collects one metric across lines; -1 marks lines without it.
func metricSeries(lines []*epochLine, name string) ([]float64, bool) {
	out := make([]float64, len(lines))
	seen := false
	for i, l := range lines {
		out[i] = missing
		if l == nil {
			continue
		}
		if v, ok := l.metrics[name]; ok {
			out[i] = v
			seen = true
		}
	}
	return out, seen
}

// Summarize computes the summary of an epoch log for the validation metric
// key. The metric is reported as a percentage.
func Summarize(text, key string) (Summary, error) {
	el, err := splitEpochs(text)
	if err != nil {
		return Summary{}, err
	}
	n := len(el.train)
	if n < 2 {
		return Summary{}, parseErrorf(text, "need at least two epochs, got %d", n)
	}

	trainPtrs := make([]*epochLine, n)
	for i := range el.train {
		trainPtrs[i] = &el.train[i]
	}
	losses, ok := metricSeries(trainPtrs, "loss")
	if !ok {
		return Summary{}, parseErrorf(text, "no train loss found")
	}
	vals, ok := metricSeries(el.valid, key)
	if !ok {
		return Summary{}, parseErrorf(text, "no validation metric %q found", key)
	}

	// epochs without validation end when training ends
	validEnds := make([]time.Time, n)
	for i := range el.valid {
		if el.valid[i] != nil {
			validEnds[i] = el.valid[i].end
		} else {
			validEnds[i] = el.train[i].end
		}
	}

	var s Summary
	best := 0
	for i, v := range vals {
		vals[i] = v * 100
		if vals[i] > vals[best] {
			best = i
		}
	}
	s.FinalMetric = vals[n-1]
	s.MaxMetric = vals[best]
	s.FinalLoss = losses[n-1]
	s.MaxMetricLoss = losses[best]
	s.TotalCost = time.Duration(clockDiff(validEnds[n-1], el.start)) * time.Second
	s.EpochTime = float64(clockDiff(el.train[n-1].end, el.train[0].end)) / float64(n-1)

	var sum int
	for i := 0; i < n-1; i++ {
		sum += clockDiff(el.train[i+1].end, validEnds[i])
	}
	s.EpochTrainTime = float64(sum) / float64(n-1)
	return s, nil
}

// FormatDuration renders d as H:MM:SS.
func FormatDuration(d time.Duration) string {
	sec := int(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}

// Format renders the summary as space separated fields.
func (s Summary) Format(mode Mode) string {
	cost := FormatDuration(s.TotalCost)
	switch mode {
	case Final:
		return fmt.Sprintf("%.2f %.4f %s %.1f %.1f", s.FinalMetric, s.FinalLoss, cost, s.EpochTime, s.EpochTrainTime)
	case Max:
		return fmt.Sprintf("%.2f %.4f %s %.1f %.1f", s.MaxMetric, s.MaxMetricLoss, cost, s.EpochTime, s.EpochTrainTime)
	default:
		return fmt.Sprintf("%.2f(%.2f) %.4f(%.4f) %s %.1f %.1f",
			s.FinalMetric, s.MaxMetric, s.FinalLoss, s.MaxMetricLoss, cost, s.EpochTime, s.EpochTrainTime)
	}
}

// EpochParser parses logs with "Epoch" headers followed by a train line and
// an optional valid line, each starting with a HH:MM:SS timestamp.
type EpochParser struct {
	Key  string
	Mode Mode
	// Select picks the recorded values from the formatted summary fields.
	// Nil keeps all fields.
	Select func(fields []string) []string
}

func (p *EpochParser) Parse(text string) ([]string, error) {
	s, err := Summarize(text, p.Key)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(s.Format(p.Mode))
	if p.Select == nil {
		return fields, nil
	}
	return p.Select(fields), nil
}

// ClassificationFields keeps the metric, the loss and the epoch time.
func ClassificationFields(f []string) []string {
	return []string{f[0], f[1], f[3]}
}

// DenseFields keeps the metric and the loss, and joins the three timing
// fields into one multi-line value.
func DenseFields(f []string) []string {
	n := len(f)
	return []string{f[0], f[1], f[n-3] + "\n" + f[n-2] + "\n" + f[n-1]}
}
