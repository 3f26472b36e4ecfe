package supervisor

import "strings"

// Outcome classifies one subprocess invocation.
type Outcome int

const (
	Success Outcome = iota
	TransientNetworkError
	TransientFunctionalError
	Hang
	FatalError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientNetworkError:
		return "transient_network_error"
	case TransientFunctionalError:
		return "transient_functional_error"
	case Hang:
		return "hang"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the task loop should relaunch after this outcome.
func (o Outcome) Retryable() bool {
	return o == TransientNetworkError || o == TransientFunctionalError || o == Hang
}

var (
	DefaultNetworkMarkers = []string{
		"Socket closed",
		"Connection reset by peer",
	}
	DefaultFunctionalMarkers = []string{
		"Stage end",
		"Infinite encountered",
	}
)

// Classifier maps the log of a failed (nonzero exit) run to an Outcome by
// substring search. Network markers are checked before functional ones.
type Classifier struct {
	NetworkMarkers    []string
	FunctionalMarkers []string
}

// DefaultClassifier returns a classifier with the built-in markers plus any
// extras.
func DefaultClassifier(extraNetwork, extraFunctional []string) Classifier {
	return Classifier{
		NetworkMarkers:    append(append([]string{}, DefaultNetworkMarkers...), extraNetwork...),
		FunctionalMarkers: append(append([]string{}, DefaultFunctionalMarkers...), extraFunctional...),
	}
}

// Classify never returns Success or Hang; those are decided by the supervisor
// from the exit code and log activity.
func (c Classifier) Classify(logText string) Outcome {
	if containsAny(logText, c.NetworkMarkers) {
		return TransientNetworkError
	}
	if containsAny(logText, c.FunctionalMarkers) {
		return TransientFunctionalError
	}
	return FatalError
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
