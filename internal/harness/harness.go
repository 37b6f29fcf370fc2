package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/rift/internal/app"
	"github.com/roach88/rift/internal/config"
	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
	"github.com/roach88/rift/internal/testutil"
	"github.com/roach88/rift/internal/transform"
)

// DefaultActor is stamped into lastModifiedBy when a scenario names none.
const DefaultActor = "harness"

// idleTimeout bounds the wait for listeners to drain after each step.
const idleTimeout = 5 * time.Second

// Sentinel spellings accepted in step values.
const (
	sentinelServerTimestamp = "$serverTimestamp"
	sentinelDelete          = "$delete"
)

var errInjected = errors.New("injected write failure")

// errBadTransform marks a write_all expression that does not compile.
var errBadTransform = errors.New("invalid transform")

// Harness runs one scenario against a fresh app.
type Harness struct {
	app    *app.App
	mem    *remote.Memory
	clock  *testutil.FakeClock
	logger *slog.Logger
	result *Result

	// mark is the number of remote writes already traced or skipped.
	mark int

	mu     sync.Mutex
	events []TraceEvent
}

// Run executes a scenario and returns the result.
//
// Each run uses a fresh remote.Memory and fake clock. Step failures that
// were not expected and failed assertions are reported in Result.Errors; the
// returned error is reserved for scenarios that cannot be set up at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := setup(ctx, scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to set up scenario %s: %w", scenario.Name, err)
	}
	defer h.close()

	for i, step := range scenario.Steps {
		h.runStep(ctx, i, step)
	}

	h.result.State, _ = h.app.Store().Get("").(map[string]any)

	actx := &AssertionContext{
		Ctx:    ctx,
		Remote: h.mem,
		State:  h.app.Store(),
		Bridge: h.app.Bridge(),
		Room:   h.app.RoomID(),
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func setup(ctx context.Context, s *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewFakeClock(time.Time{})
	mem := remote.NewMemory(remote.WithMemoryClock(clk), remote.WithMemoryLogger(logger))

	cfg := config.Default()
	cfg.LegacyPath = ""
	cfg.Actor = s.Actor
	if cfg.Actor == "" {
		cfg.Actor = DefaultActor
	}
	cfg.SchemaPath = s.Schema
	if s.Debounce != "" {
		cfg.Debounce, _ = time.ParseDuration(s.Debounce)
	}
	if s.EchoWindow != "" {
		cfg.EchoWindow, _ = time.ParseDuration(s.EchoWindow)
	}

	for _, id := range sortedKeys(s.Rooms) {
		data, _ := normalize(s.Rooms[id]).(map[string]any)
		if err := mem.Create(ctx, remote.RoomsCollection, id, doc.Document(data)); err != nil {
			return nil, fmt.Errorf("seed room %s: %w", id, err)
		}
	}
	collection := remote.CharactersCollection(s.Room)
	for _, id := range sortedKeys(s.Remote) {
		data, _ := toRemote(normalize(s.Remote[id])).(map[string]any)
		if err := mem.Create(ctx, collection, id, doc.Document(data)); err != nil {
			return nil, fmt.Errorf("seed %s: %w", id, err)
		}
	}
	mem.ResetWrites()

	a, err := app.Open(ctx, cfg,
		app.WithRemote(mem),
		app.WithClock(clk),
		app.WithLogger(logger),
		app.WithPersister(state.NewMemoryPersister()),
	)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		app:    a,
		mem:    mem,
		clock:  clk,
		logger: logger,
		result: NewResult(),
	}
	a.Store().On(link.EventEntityUpdated, h.recordEvent)
	a.Store().On(link.EventEntityRemoved, h.recordEvent)

	if s.Room != "" {
		if err := a.SwitchRoom(ctx, s.Room); err != nil {
			h.close()
			return nil, fmt.Errorf("join room %s: %w", s.Room, err)
		}
	}
	if err := h.settle(ctx); err != nil {
		h.close()
		return nil, err
	}
	h.takeEvents()
	h.mark = len(mem.Writes())
	return h, nil
}

func (h *Harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), idleTimeout)
	defer cancel()
	_ = h.app.Close(ctx)
	_ = h.mem.Close()
}

// settle waits until every remote listener has delivered what is queued.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()
	if err := h.mem.WaitIdle(ctx); err != nil {
		return fmt.Errorf("waiting for listeners: %w", err)
	}
	return nil
}

func (h *Harness) recordEvent(ev state.Event) {
	ee, ok := ev.Value.(link.EntityEvent)
	if !ok {
		return
	}
	data := map[string]any{
		"id":     ee.EntityID,
		"origin": string(ee.Origin),
	}
	if len(ee.Fields) > 0 {
		fields := make([]any, len(ee.Fields))
		for i, f := range ee.Fields {
			fields[i] = f
		}
		data["fields"] = fields
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, TraceEvent{Kind: KindEvent, Name: ev.Name, Data: data})
}

func (h *Harness) takeEvents() []TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.events
	h.events = nil
	return out
}

// runStep executes one step and appends the step, the writes it caused and
// the events it produced to the trace.
func (h *Harness) runStep(ctx context.Context, index int, step Step) {
	err := h.execute(ctx, step)
	if settleErr := h.settle(ctx); settleErr != nil {
		h.result.AddError(fmt.Sprintf("steps[%d] %s: %v", index, step.Action, settleErr))
	}

	data := stepData(step)
	class := ""
	if err != nil {
		class = classify(err)
		data["error"] = class
	}
	h.result.add(KindStep, step.Action, data)

	switch {
	case step.ExpectError == "" && err != nil:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Action, err))
	case step.ExpectError != "" && err == nil:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got none", index, step.Action, step.ExpectError))
	case step.ExpectError != "" && class != step.ExpectError:
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got %s: %v", index, step.Action, step.ExpectError, class, err))
	}

	writes := h.mem.Writes()
	for _, w := range writes[min(h.mark, len(writes)):] {
		h.result.add(KindWrite, string(w.Op), writeData(w))
	}
	h.mark = len(writes)

	for _, ev := range h.takeEvents() {
		h.result.add(ev.Kind, ev.Name, ev.Data)
	}

	h.logger.Debug("step completed", "step", index, "action", step.Action, "error", err)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	st := h.app.Store()
	bridge := h.app.Bridge()

	switch step.Action {
	case StepSet:
		st.Set(step.Path, normalize(step.Value))
	case StepDelete:
		st.Delete(step.Path)
	case StepMerge:
		partial, _ := normalize(step.Fields).(map[string]any)
		st.Merge(step.Path, partial)
	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	case StepWatch:
		return bridge.Watch(ctx, step.ID, h.room(step))
	case StepWatchCollection:
		return bridge.WatchCollection(ctx, h.room(step))
	case StepDisconnect:
		return bridge.Disconnect(ctx)
	case StepFlush:
		return bridge.Flush(ctx, step.ID)
	case StepWrite:
		return bridge.Write(ctx, step.ID, step.Path, toRemote(normalize(step.Value)))
	case StepWriteBatch:
		fields, _ := toRemote(normalize(step.Fields)).(map[string]any)
		return bridge.WriteBatch(ctx, step.ID, fields)
	case StepWriteAll:
		t, err := transform.Compile(step.Expr)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadTransform, err)
		}
		_, err = bridge.WriteAll(ctx, step.Path, t.Func())
		return err
	case StepRemoteUpdate, StepRemoteCreate, StepRemoteDelete:
		return h.external(ctx, step)
	case StepFailWrites:
		if on, ok := step.Value.(bool); ok && !on {
			h.mem.FailWith(nil)
			return nil
		}
		h.mem.FailWith(func(remote.Op, string, string) error { return errInjected })
	case StepSwitchRoom:
		return h.app.SwitchRoom(ctx, step.Room)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// external performs a write as another client would. Its write is not
// traced; only the app's reaction is.
func (h *Harness) external(ctx context.Context, step Step) error {
	collection := remote.CharactersCollection(h.room(step))
	var err error
	switch step.Action {
	case StepRemoteUpdate:
		fields, _ := toRemote(normalize(step.Fields)).(map[string]any)
		err = h.mem.Update(ctx, collection, step.ID, fields)
	case StepRemoteCreate:
		data, _ := toRemote(normalize(step.Fields)).(map[string]any)
		err = h.mem.Create(ctx, collection, step.ID, doc.Document(data))
	case StepRemoteDelete:
		err = h.mem.Delete(ctx, collection, step.ID)
	}
	h.mark = len(h.mem.Writes())
	if err != nil {
		return &link.WriteError{Code: link.ErrCodeRemote, EntityID: step.ID, Err: err}
	}
	return nil
}

func (h *Harness) room(step Step) string {
	if step.Room != "" {
		return step.Room
	}
	return h.app.RoomID()
}

// classify maps an error to the class named by expect_error.
func classify(err error) string {
	var we *link.WriteError
	if errors.As(err, &we) {
		switch we.Code {
		case link.ErrCodeValidation:
			return "validation"
		case link.ErrCodeRemote:
			return "remote"
		case link.ErrCodeTransform:
			return "transform"
		}
	}
	switch {
	case errors.Is(err, errBadTransform):
		return "transform"
	case errors.Is(err, link.ErrNotTracked):
		return "not_tracked"
	case errors.Is(err, link.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, link.ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, app.ErrNoRoom):
		return "no_room"
	}
	return "error"
}

// stepData lists the parameters a step was given.
func stepData(step Step) map[string]any {
	data := map[string]any{}
	for k, v := range map[string]string{
		"id":       step.ID,
		"path":     step.Path,
		"expr":     step.Expr,
		"duration": step.Duration,
		"room":     step.Room,
	} {
		if v != "" {
			data[k] = v
		}
	}
	if step.Value != nil {
		data["value"] = normalize(step.Value)
	}
	if step.Fields != nil {
		data["fields"] = normalize(step.Fields)
	}
	return data
}

func writeData(w remote.Write) map[string]any {
	data := map[string]any{
		"collection": w.Collection,
		"id":         w.ID,
	}
	if w.Fields != nil {
		data["fields"] = fromRemote(w.Fields)
	}
	if w.Err != nil {
		data["failed"] = true
	}
	return data
}

// normalize converts YAML-decoded values to the shapes JSON decoding
// produces: float64 numbers, map[string]any objects and []any arrays.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	default:
		return v
	}
}

// toRemote replaces sentinel spellings with remote sentinels.
func toRemote(v any) any {
	switch val := v.(type) {
	case string:
		switch val {
		case sentinelServerTimestamp:
			return remote.ServerTimestamp
		case sentinelDelete:
			return remote.Delete
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = toRemote(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = toRemote(elem)
		}
		return out
	default:
		return v
	}
}

// fromRemote renders remote sentinels with their scenario spelling.
func fromRemote(v any) any {
	switch val := v.(type) {
	case remote.FieldValue:
		if val == remote.Delete {
			return sentinelDelete
		}
		return sentinelServerTimestamp
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = fromRemote(elem)
		}
		return out
	case doc.Document:
		return fromRemote(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = fromRemote(elem)
		}
		return out
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
