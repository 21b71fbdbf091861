package simradio

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/session"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of requests and radio events.
type Scenario struct {
	Name        string             `yaml:"name"`
	Power       string             `yaml:"power"`
	Restore     []radio.Peripheral `yaml:"restore"`
	AutoConnect bool               `yaml:"auto_connect"`
	Steps       []Step             `yaml:"steps"`
}

// Step is either a request (Request set) or a radio event (Radio set).
type Step struct {
	Request  string             `yaml:"request,omitempty"`
	Radio    string             `yaml:"radio,omitempty"`
	ButtonID string             `yaml:"buttonId,omitempty"`
	Progress string             `yaml:"progress,omitempty"`
	Button   *radio.Peripheral  `yaml:"button,omitempty"`
	Buttons  []radio.Peripheral `yaml:"buttons,omitempty"`
	Error    string             `yaml:"error,omitempty"`
	Click    string             `yaml:"click,omitempty"`
	State    string             `yaml:"state,omitempty"`
}

func (s Step) String() string {
	if s.Request != "" {
		return "request " + s.Request
	}
	return "radio " + s.Radio
}

func (s Step) err() error {
	if s.Error == "" {
		return nil
	}
	return errors.New(s.Error)
}

// Request step names
const (
	StepScanForButtons   = "scanForButtons"
	StepConnectButton    = "connectButton"
	StepDisconnectButton = "disconnectButton"
	StepRemoveAllButtons = "removeAllButtons"
	StepStopScan         = "stopScan"
)

// Radio step names
const (
	StepPower         = "power"
	StepScanProgress  = "scanProgress"
	StepScanComplete  = "scanComplete"
	StepConnected     = "connected"
	StepReady         = "ready"
	StepDisconnected  = "disconnected"
	StepConnectFailed = "connectFailed"
	StepClick         = "click"
	StepRestore       = "restore"
)

// Requests is the request surface a scenario drives.
type Requests interface {
	StartScan(done session.ScanCallback) error
	StopScan()
	Connect(id string) error
	Disconnect(id string) error
	RemoveAll() error
}

// StepResult reports the synchronous outcome of a request step, or the asynchronous
// completion of a scan request (Async set).
type StepResult struct {
	Index int
	Step  Step
	Async bool
	Err   error
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return sc, nil
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks step names and arguments.
func (sc *Scenario) Validate() error {
	if sc.Power != "" {
		if _, err := radio.ParsePowerState(sc.Power); err != nil {
			return err
		}
	}

	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch {
	case s.Request != "" && s.Radio != "":
		return errors.New("step must set either request or radio, not both")
	case s.Request == "" && s.Radio == "":
		return errors.New("step must set request or radio")
	}

	switch s.Request {
	case "", StepScanForButtons, StepRemoveAllButtons, StepStopScan:
	case StepConnectButton, StepDisconnectButton:
		if s.ButtonID == "" {
			return fmt.Errorf("%s requires buttonId", s.Request)
		}
	default:
		return fmt.Errorf("unknown request %q", s.Request)
	}

	switch s.Radio {
	case "", StepRestore:
	case StepPower:
		if _, err := radio.ParsePowerState(s.State); err != nil {
			return err
		}
	case StepScanProgress:
		if s.Progress == "" {
			return errors.New("scanProgress requires progress")
		}
	case StepScanComplete:
		if s.Button == nil && s.Error == "" {
			return errors.New("scanComplete requires button or error")
		}
	case StepConnected, StepReady, StepDisconnected, StepConnectFailed:
		if s.ButtonID == "" {
			return fmt.Errorf("%s requires buttonId", s.Radio)
		}
	case StepClick:
		if s.ButtonID == "" {
			return errors.New("click requires buttonId")
		}
		if !button.Click(s.Click).Valid() {
			return fmt.Errorf("unknown click %q", s.Click)
		}
	default:
		return fmt.Errorf("unknown radio event %q", s.Radio)
	}
	return nil
}

// Options returns radio options seeded with the scenario's initial state.
func (sc *Scenario) Options(logger *logrus.Logger) Options {
	power := radio.PowerUnknown
	if sc.Power != "" {
		power, _ = radio.ParsePowerState(sc.Power)
	}
	return Options{
		Logger:      logger,
		Power:       power,
		Restore:     sc.Restore,
		AutoConnect: sc.AutoConnect,
	}
}

// Run executes every step in order. After each step the radio loop is synced so the
// session has observed every scripted event before the next step starts. report may be
// nil; it is called from Run's goroutine, except for scan completions.
func (sc *Scenario) Run(ctx context.Context, req Requests, r *Radio, report func(StepResult)) error {
	if report == nil {
		report = func(StepResult) {}
	}

	if err := r.Sync(ctx); err != nil {
		return err
	}

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if st.Request != "" {
			index, step := i+1, st
			err := runRequest(req, st, func(b button.Button, err error) {
				report(StepResult{Index: index, Step: step, Async: true, Err: err})
			})
			report(StepResult{Index: i + 1, Step: st, Err: err})
		} else {
			runRadio(r, st)
		}

		if err := r.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runRequest(req Requests, st Step, scanDone session.ScanCallback) error {
	switch st.Request {
	case StepScanForButtons:
		return req.StartScan(scanDone)
	case StepStopScan:
		req.StopScan()
		return nil
	case StepConnectButton:
		return req.Connect(st.ButtonID)
	case StepDisconnectButton:
		return req.Disconnect(st.ButtonID)
	case StepRemoveAllButtons:
		return req.RemoveAll()
	default:
		return fmt.Errorf("unknown request %q", st.Request)
	}
}

func runRadio(r *Radio, st Step) {
	switch st.Radio {
	case StepPower:
		state, _ := radio.ParsePowerState(st.State)
		r.SetPower(state)
	case StepRestore:
		r.Restore(st.Buttons...)
	case StepScanProgress:
		r.ScanProgress(radio.ScanProgress(st.Progress))
	case StepScanComplete:
		if st.Button != nil {
			r.CompleteScan(*st.Button)
		} else {
			r.FailScan(st.err())
		}
	case StepConnected:
		r.Connected(st.ButtonID)
	case StepReady:
		r.Ready(st.ButtonID)
	case StepDisconnected:
		r.Disconnected(st.ButtonID, st.err())
	case StepConnectFailed:
		r.ConnectFailed(st.ButtonID, st.err())
	case StepClick:
		r.Click(st.ButtonID, button.Click(st.Click))
	}
}
