package mitigation

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/tradeguard/internal/findings"
)

// DefaultWindow is the trailing window over which occurrences are counted.
const DefaultWindow = 5 * time.Minute

var ErrInvalidStrategy = errors.New("mitigation: invalid strategy")

// Action is what the engine does once a kind crosses its threshold.
type Action int

const (
	ActionMonitor Action = iota
	ActionPauseUser
	ActionTriggerCircuitBreaker
)

func (a Action) String() string {
	switch a {
	case ActionMonitor:
		return "monitor"
	case ActionPauseUser:
		return "pause_user"
	case ActionTriggerCircuitBreaker:
		return "circuit_breaker"
	default:
		return "unknown"
	}
}

// MarshalText encodes the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAction accepts the action names in either case, with or without a
// trigger_ prefix.
func ParseAction(s string) (Action, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "trigger_")
	switch v {
	case "monitor":
		return ActionMonitor, nil
	case "pause_user":
		return ActionPauseUser, nil
	case "circuit_breaker":
		return ActionTriggerCircuitBreaker, nil
	}
	return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidStrategy, s)
}

// Strategy is the escalation rule for one finding kind.
type Strategy struct {
	Action    Action        `json:"action"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
}

// Table maps kinds to strategies. It is read-only once the engine is built.
type Table map[findings.Kind]Strategy

// DefaultTable returns the built-in strategies. A non-positive window falls
// back to DefaultWindow.
func DefaultTable(window time.Duration) Table {
	if window <= 0 {
		window = DefaultWindow
	}
	return Table{
		findings.KindSuspiciousVolume: {Action: ActionMonitor, Threshold: 3, Window: window},
		findings.KindRapidTrading:     {Action: ActionPauseUser, Threshold: 2, Window: window},
		findings.KindFrontRunning:     {Action: ActionTriggerCircuitBreaker, Threshold: 1, Window: window},
		findings.KindUnusualPrice:     {Action: ActionMonitor, Threshold: 5, Window: window},
	}
}

type fileStrategy struct {
	Kind      string `yaml:"kind"`
	Action    string `yaml:"action"`
	Threshold int    `yaml:"threshold"`
	Window    string `yaml:"window"`
}

type strategyFile struct {
	Window     string         `yaml:"evaluationWindow"`
	Replace    bool           `yaml:"replace"`
	Strategies []fileStrategy `yaml:"strategies"`
}

// LoadTable builds the strategy table. With an empty path the defaults are
// returned. Entries in the file override the default for their kind; with
// replace: true the defaults are discarded.
func LoadTable(path string, window time.Duration) (Table, error) {
	if path == "" {
		return DefaultTable(window), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	return ParseTable(data, window)
}

// ParseTable parses a YAML strategy document.
func ParseTable(data []byte, window time.Duration) (Table, error) {
	var doc strategyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrategy, err)
	}

	if doc.Window != "" {
		d, err := time.ParseDuration(doc.Window)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: evaluationWindow %q", ErrInvalidStrategy, doc.Window)
		}
		window = d
	}

	table := DefaultTable(window)
	if doc.Replace {
		table = Table{}
	}

	for i, fs := range doc.Strategies {
		kind, err := findings.ParseKind(fs.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: strategies[%d]: %v", ErrInvalidStrategy, i, err)
		}
		action, err := ParseAction(fs.Action)
		if err != nil {
			return nil, fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if fs.Threshold < 1 {
			return nil, fmt.Errorf("%w: strategies[%d]: threshold must be at least 1", ErrInvalidStrategy, i)
		}
		w := window
		if fs.Window != "" {
			w, err = time.ParseDuration(fs.Window)
			if err != nil || w <= 0 {
				return nil, fmt.Errorf("%w: strategies[%d]: window %q", ErrInvalidStrategy, i, fs.Window)
			}
		}
		table[kind] = Strategy{Action: action, Threshold: fs.Threshold, Window: w}
	}
	return table, nil
}
