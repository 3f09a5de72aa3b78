// Package scenario replays scripted SCO sessions against an Arbiter driven
// by a simulated headset. Scenarios are YAML documents: an optional setup
// block followed by steps, each with optional expectations checked right
// after the step runs.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/btsco/internal/headset"
	"github.com/srg/btsco/internal/sco"
)

var (
	// ErrInvalidScenario is wrapped by parse and validation failures.
	ErrInvalidScenario = errors.New("invalid scenario")
	// ErrExpectation is wrapped by every failed step expectation.
	ErrExpectation = errors.New("expectation failed")
)

type Action string

const (
	ActionStart         Action = "start"
	ActionStop          Action = "stop"
	ActionStopPID       Action = "stop_pid"
	ActionKill          Action = "kill"
	ActionBind          Action = "bind"
	ActionUnbind        Action = "unbind"
	ActionDevice        Action = "device"
	ActionAudio         Action = "audio"
	ActionReset         Action = "reset"
	ActionDisconnectAll Action = "disconnect_all"
	ActionFail          Action = "fail"
	ActionWait          Action = "wait"
)

// Scenario is one scripted session.
type Scenario struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Setup       Setup  `json:"setup,omitempty" yaml:"setup,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Setup describes the world before the first step.
type Setup struct {
	// Device is the simulated headset's active device.
	Device *sco.Device `json:"device,omitempty" yaml:"device,omitempty"`
	// Bound binds the headset service before the first step.
	Bound bool `json:"bound,omitempty" yaml:"bound,omitempty"`
	// Settings seeds the persisted settings store.
	Settings map[string]int `json:"settings,omitempty" yaml:"settings,omitempty"`
	// ModeOwner is the PID owning the communication audio mode, 0 for none.
	ModeOwner int `json:"mode_owner,omitempty" yaml:"mode_owner,omitempty"`
	// BindRefused makes every headset service bind request fail.
	BindRefused bool `json:"bind_refused,omitempty" yaml:"bind_refused,omitempty"`
	// BindTimeout overrides the runner's bind timeout.
	BindTimeout time.Duration `json:"bind_timeout,omitempty" yaml:"bind_timeout,omitempty"`
	// AutoRespond makes the headset answer commands with audio events.
	AutoRespond bool          `json:"auto_respond,omitempty" yaml:"auto_respond,omitempty"`
	Latency     time.Duration `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// Step is one action. Only the fields relevant to Action are read.
type Step struct {
	Action    Action                 `json:"action" yaml:"action"`
	Handle    sco.ClientHandle       `json:"handle,omitempty" yaml:"handle,omitempty"`
	PID       int                    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Mode      *sco.Mode              `json:"mode,omitempty" yaml:"mode,omitempty"`
	Device    *sco.Device            `json:"device,omitempty" yaml:"device,omitempty"`
	Audio     *sco.HeadsetAudioState `json:"audio,omitempty" yaml:"audio,omitempty"`
	ExceptPID int                    `json:"except_pid,omitempty" yaml:"except_pid,omitempty"`
	Commands  []headset.Command      `json:"commands,omitempty" yaml:"commands,omitempty"`
	Panic     bool                   `json:"panic,omitempty" yaml:"panic,omitempty"`
	Clear     bool                   `json:"clear,omitempty" yaml:"clear,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty" yaml:"duration,omitempty"`
	Expect    *Expect                `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Expect lists what must hold right after a step. Unset fields are not checked.
type Expect struct {
	Result        *bool                  `json:"result,omitempty" yaml:"result,omitempty"`
	State         *sco.AudioState        `json:"state,omitempty" yaml:"state,omitempty"`
	Clients       *[]sco.ClientHandle    `json:"clients,omitempty" yaml:"clients,omitempty"`
	Pending       *[]sco.ClientHandle    `json:"pending,omitempty" yaml:"pending,omitempty"`
	Commands      *[]headset.Command     `json:"commands,omitempty" yaml:"commands,omitempty"`
	Notifications *[]sco.ConnectionState `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	ScoOn         *bool                  `json:"sco_on,omitempty" yaml:"sco_on,omitempty"`
	Mode          *sco.Mode              `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario. Leading indentation common to all
// lines is removed first, so scenarios can be inlined in Go raw strings.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(strings.NewReader(dedent(string(data))))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step carries the fields its action needs.
func (sc *Scenario) Validate() error {
	if len(sc.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidScenario)
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", ErrInvalidScenario, i+1, st.Action, err)
		}
	}
	return nil
}

func (st Step) validate() error {
	switch st.Action {
	case ActionStart, ActionStop, ActionKill:
		if st.Handle == "" {
			return errors.New("handle is required")
		}
	case ActionStopPID:
		if st.PID == 0 {
			return errors.New("pid is required")
		}
	case ActionAudio:
		if st.Audio == nil {
			return errors.New("audio is required")
		}
	case ActionFail:
		if len(st.Commands) == 0 {
			return errors.New("commands are required")
		}
		for _, c := range st.Commands {
			if _, err := headset.ParseCommand(string(c)); err != nil {
				return err
			}
		}
	case ActionWait:
		if st.Duration <= 0 {
			return errors.New("positive duration is required")
		}
	case ActionBind, ActionUnbind, ActionDevice, ActionReset, ActionDisconnectAll:
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}

	if st.Expect != nil && st.Expect.Commands != nil {
		for _, c := range *st.Expect.Commands {
			if _, err := headset.ParseCommand(string(c)); err != nil {
				return err
			}
		}
	}
	return nil
}

// String renders the step as a one-line description.
func (st Step) String() string {
	var sb strings.Builder
	sb.WriteString(string(st.Action))
	switch st.Action {
	case ActionStart:
		mode := sco.ModeUndefined
		if st.Mode != nil {
			mode = *st.Mode
		}
		fmt.Fprintf(&sb, " %s pid=%d mode=%s", st.Handle, st.PID, mode)
	case ActionStop, ActionKill:
		fmt.Fprintf(&sb, " %s", st.Handle)
	case ActionStopPID:
		fmt.Fprintf(&sb, " %d", st.PID)
	case ActionBind, ActionDevice:
		if st.Device != nil {
			fmt.Fprintf(&sb, " %s", st.Device)
		} else if st.Action == ActionDevice {
			sb.WriteString(" <none>")
		}
	case ActionAudio:
		fmt.Fprintf(&sb, " %s", *st.Audio)
		if st.Device != nil {
			fmt.Fprintf(&sb, " from %s", st.Device)
		}
	case ActionDisconnectAll:
		fmt.Fprintf(&sb, " except_pid=%d", st.ExceptPID)
	case ActionFail:
		verb := "fail"
		if st.Panic {
			verb = "panic"
		}
		if st.Clear {
			verb = "clear"
		}
		fmt.Fprintf(&sb, " %s %v", verb, st.Commands)
	case ActionWait:
		fmt.Fprintf(&sb, " %s", st.Duration)
	}
	return sb.String()
}

func dedent(s string) string {
	const tabWidth = 4
	lines := strings.Split(s, "\n")

	minIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := 0
		for _, ch := range line {
			if ch == ' ' {
				indent++
			} else if ch == '\t' {
				indent += tabWidth
			} else {
				break
			}
		}
		if minIndent == -1 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return strings.ReplaceAll(s, "\t", strings.Repeat(" ", tabWidth))
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			out = append(out, "")
			continue
		}
		indent, j := 0, 0
		for j < len(line) && indent < minIndent {
			if line[j] == ' ' {
				indent++
			} else if line[j] == '\t' {
				indent += tabWidth
			} else {
				break
			}
			j++
		}
		out = append(out, strings.Repeat(" ", indent-minIndent)+strings.ReplaceAll(line[j:], "\t", strings.Repeat(" ", tabWidth)))
	}
	return strings.Join(out, "\n")
}
