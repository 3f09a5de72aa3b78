package scenario

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btsco/internal/deathwatch"
	"github.com/srg/btsco/internal/headset"
	"github.com/srg/btsco/internal/sco"
	"github.com/srg/btsco/internal/settings"
)

// RunnerOptions configures a Runner. Zero values pick defaults.
type RunnerOptions struct {
	Logger      *logrus.Logger
	BindTimeout time.Duration
	BufferSize  uint32
	// Settings seeds every run's settings store before the scenario's own.
	Settings *settings.Memory
}

// Runner executes scenarios. Each Run builds a fresh arbiter, so a Runner
// can be reused.
type Runner struct {
	opts RunnerOptions
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.BindTimeout == 0 {
		opts.BindTimeout = sco.DefaultBindTimeout
	}
	return &Runner{opts: opts}
}

// StepResult is what one step did.
type StepResult struct {
	Index         int                   `json:"index" yaml:"index"`
	Step          string                `json:"step" yaml:"step"`
	Result        *bool                 `json:"result,omitempty" yaml:"result,omitempty"`
	State         sco.AudioState        `json:"state" yaml:"state"`
	Clients       []sco.ClientHandle    `json:"clients" yaml:"clients"`
	Commands      []headset.Command     `json:"commands,omitempty" yaml:"commands,omitempty"`
	Notifications []sco.ConnectionState `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Failures      []string              `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	Name    string            `json:"name" yaml:"name"`
	Steps   []StepResult      `json:"steps" yaml:"steps"`
	Changes []sco.StateChange `json:"changes" yaml:"changes"`
	Final   sco.Snapshot      `json:"final" yaml:"final"`
}

// Failures counts failed expectations across all steps.
func (r *Report) Failures() int {
	n := 0
	for _, s := range r.Steps {
		n += len(s.Failures)
	}
	return n
}

// Run executes every step of sc. Failed expectations do not stop the run;
// they are collected in the report and returned joined, each wrapping
// ErrExpectation.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Report, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	env, err := r.newEnv(sc.Setup)
	if err != nil {
		return nil, err
	}
	defer env.close()

	log := r.opts.Logger.WithField("scenario", sc.Name)
	log.Info("Scenario started")

	report := &Report{Name: sc.Name}
	var errs []error
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res := env.exec(ctx, i+1, st)
		for _, f := range res.Failures {
			errs = append(errs, fmt.Errorf("step %d (%s): %s: %w", res.Index, st.Action, f, ErrExpectation))
		}
		log.WithFields(logrus.Fields{"step": res.Index, "action": st.Action, "state": res.State}).Debug("Scenario step done")
		report.Steps = append(report.Steps, res)
	}

	report.Final = env.arbiter.Dump()
	report.Changes = env.broadcaster.Drain()
	log.WithField("failures", report.Failures()).Info("Scenario finished")
	return report, errors.Join(errs...)
}

// env is the simulated world of one run.
type env struct {
	arbiter     *sco.Arbiter
	sim         *headset.Simulator
	watcher     *deathwatch.Local
	broadcaster *sco.Broadcaster
	sink        *teeSink
	autoRespond bool
}

func (r *Runner) newEnv(setup Setup) (*env, error) {
	logger := r.opts.Logger

	store := settings.NewMemory()
	if base := r.opts.Settings; base != nil {
		for _, k := range base.Keys() {
			v, _ := base.GetInt(k)
			store.Set(k, v)
		}
	}
	for k, v := range setup.Settings {
		store.Set(k, v)
	}

	simOpts := []headset.Option{headset.WithAutoRespond(setup.AutoRespond)}
	if setup.Latency > 0 {
		simOpts = append(simOpts, headset.WithLatency(setup.Latency))
	}
	sim := headset.NewSimulator(logger, simOpts...)
	sim.SetActiveDevice(setup.Device)

	bindTimeout := r.opts.BindTimeout
	if setup.BindTimeout > 0 {
		bindTimeout = setup.BindTimeout
	}

	e := &env{
		sim:         sim,
		watcher:     deathwatch.NewLocal(logger),
		broadcaster: sco.NewBroadcaster(r.opts.BufferSize, logger),
		autoRespond: setup.AutoRespond,
	}
	e.sink = &teeSink{next: e.broadcaster}

	opts := sco.Options{
		Logger:      logger,
		Watcher:     e.watcher,
		Settings:    store,
		Sink:        e.sink,
		BindTimeout: bindTimeout,
	}
	if setup.ModeOwner != 0 {
		owner := setup.ModeOwner
		opts.ModeOwner = func() int { return owner }
	}
	if setup.BindRefused {
		opts.Binder = sco.BinderFunc(func() bool { return false })
	}

	a, err := sco.New(opts)
	if err != nil {
		sim.Close()
		return nil, err
	}
	e.arbiter = a
	sim.OnAudioStateChanged(a.OnAudioStateChanged)

	if setup.Bound {
		a.OnHeadsetServiceBound(sim)
	} else if setup.Device != nil {
		a.OnActiveDeviceChanged(setup.Device)
	}
	e.sink.take()
	return e, nil
}

func (e *env) close() {
	e.sim.Close()
	e.broadcaster.Close()
}

func (e *env) exec(ctx context.Context, index int, st Step) StepResult {
	before := len(e.sim.Commands())
	res := StepResult{Index: index, Step: st.String()}

	switch st.Action {
	case ActionStart:
		mode := sco.ModeUndefined
		if st.Mode != nil {
			mode = *st.Mode
		}
		ok := e.arbiter.StartForClient(st.Handle, st.PID, mode)
		res.Result = &ok
	case ActionStop:
		e.arbiter.StopForClient(st.Handle)
	case ActionStopPID:
		e.arbiter.StopForDeadProcess(st.PID)
	case ActionKill:
		e.watcher.Kill(st.Handle)
	case ActionBind:
		if st.Device != nil {
			e.sim.SetActiveDevice(st.Device)
		}
		e.arbiter.OnHeadsetServiceBound(e.sim)
	case ActionUnbind:
		e.arbiter.OnHeadsetServiceUnbound()
	case ActionDevice:
		e.sim.SetActiveDevice(st.Device)
		e.arbiter.OnActiveDeviceChanged(st.Device)
	case ActionAudio:
		e.sim.Report(st.Device, *st.Audio)
	case ActionReset:
		e.arbiter.Reset()
	case ActionDisconnectAll:
		e.arbiter.DisconnectAll(st.ExceptPID)
	case ActionFail:
		for _, c := range st.Commands {
			if st.Panic {
				e.sim.PanicOn(c, !st.Clear)
			} else {
				e.sim.FailOn(c, !st.Clear)
			}
		}
	case ActionWait:
		timer := time.NewTimer(st.Duration)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if e.autoRespond {
		e.sim.Settle()
	}

	snap := e.arbiter.Dump()
	res.State = snap.State
	res.Clients = snap.Handles()
	res.Commands = e.sim.Commands()[before:]
	res.Notifications = e.sink.take()
	if st.Expect != nil {
		res.Failures = e.check(st.Expect, res, snap)
	}
	return res
}

func (e *env) check(want *Expect, got StepResult, snap sco.Snapshot) []string {
	var failures []string
	mismatch := func(what string, got, want any) {
		failures = append(failures, fmt.Sprintf("%s: got %v, want %v", what, got, want))
	}

	if want.Result != nil {
		switch {
		case got.Result == nil:
			failures = append(failures, "result: step has no result")
		case *got.Result != *want.Result:
			mismatch("result", *got.Result, *want.Result)
		}
	}
	if want.State != nil && got.State != *want.State {
		mismatch("state", got.State, *want.State)
	}
	if want.Mode != nil && snap.Mode != *want.Mode {
		mismatch("mode", snap.Mode, *want.Mode)
	}
	if want.Clients != nil && !sameList(got.Clients, *want.Clients) {
		mismatch("clients", got.Clients, *want.Clients)
	}
	if want.Pending != nil {
		var pending []sco.ClientHandle
		for _, c := range snap.Clients {
			if c.PendingRemoval {
				pending = append(pending, c.Handle)
			}
		}
		if !sameList(pending, *want.Pending) {
			mismatch("pending", pending, *want.Pending)
		}
	}
	if want.Commands != nil && !sameList(got.Commands, *want.Commands) {
		mismatch("commands", got.Commands, *want.Commands)
	}
	if want.Notifications != nil && !sameList(got.Notifications, *want.Notifications) {
		mismatch("notifications", got.Notifications, *want.Notifications)
	}
	if want.ScoOn != nil {
		if on := e.arbiter.IsScoOn(); on != *want.ScoOn {
			mismatch("sco_on", on, *want.ScoOn)
		}
	}
	return failures
}

// sameList treats nil and empty as equal.
func sameList[T any](got, want []T) bool {
	if len(got) == 0 && len(want) == 0 {
		return true
	}
	return reflect.DeepEqual(got, want)
}

// teeSink records raw notifications per step and forwards them.
type teeSink struct {
	mu      sync.Mutex
	pending []sco.ConnectionState
	next    sco.EventSink
}

func (t *teeSink) Notify(s sco.ConnectionState) {
	t.mu.Lock()
	t.pending = append(t.pending, s)
	t.mu.Unlock()
	t.next.Notify(s)
}

func (t *teeSink) take() []sco.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}
