package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	StepSet             = "set"
	StepDelete          = "delete"
	StepMerge           = "merge"
	StepAdvance         = "advance"
	StepWatch           = "watch"
	StepWatchCollection = "watch_collection"
	StepDisconnect      = "disconnect"
	StepFlush           = "flush"
	StepWrite           = "write"
	StepWriteBatch      = "write_batch"
	StepWriteAll        = "write_all"
	StepRemoteUpdate    = "remote_update"
	StepRemoteCreate    = "remote_create"
	StepRemoteDelete    = "remote_delete"
	StepFailWrites      = "fail_writes"
	StepSwitchRoom      = "switch_room"
)

// Assertion types.
const (
	AssertRemoteState   = "remote_state"
	AssertLocalState    = "local_state"
	AssertStatus        = "status"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
)

// Scenario defines one harness run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Room is joined before the steps run. Empty uses the top-level
	// characters collection.
	Room string `yaml:"room,omitempty"`

	// Actor is stamped into lastModifiedBy. Defaults to "harness".
	Actor string `yaml:"actor,omitempty"`

	// Debounce and EchoWindow override the bridge timing (Go durations).
	Debounce   string `yaml:"debounce,omitempty"`
	EchoWindow string `yaml:"echo_window,omitempty"`

	// Schema is a CUE file checked on every write, relative to the scenario.
	Schema string `yaml:"schema,omitempty"`

	// Remote seeds the room's characters collection, keyed by entity id.
	Remote map[string]map[string]any `yaml:"remote,omitempty"`

	// Rooms seeds room documents, keyed by room id.
	Rooms map[string]map[string]any `yaml:"rooms,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Which fields apply depends on Action.
type Step struct {
	Action      string         `yaml:"action"`
	ID          string         `yaml:"id,omitempty"`
	Path        string         `yaml:"path,omitempty"`
	Value       any            `yaml:"value,omitempty"`
	Fields      map[string]any `yaml:"fields,omitempty"`
	Expr        string         `yaml:"expr,omitempty"`
	Duration    string         `yaml:"duration,omitempty"`
	Room        string         `yaml:"room,omitempty"`
	ExpectError string         `yaml:"expect_error,omitempty"`
}

// Assertion is a check against the final state or the trace.
type Assertion struct {
	Type   string         `yaml:"type"`
	ID     string         `yaml:"id,omitempty"`
	Path   string         `yaml:"path,omitempty"`
	Event  string         `yaml:"event,omitempty"`
	Events []string       `yaml:"events,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	Match  map[string]any `yaml:"match,omitempty"`
	Expect any            `yaml:"expect,omitempty"`
	Exists *bool          `yaml:"exists,omitempty"`
}

// LoadScenario loads a scenario, resolving its schema path relative to the
// file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath loads a scenario, resolving its schema path
// relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for name, value := range map[string]string{"debounce": s.Debounce, "echo_window": s.EchoWindow} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s: must be a positive duration, got %q", name, value)
		}
	}
	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); err != nil {
			return fmt.Errorf("schema file not found: %s", s.Schema)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, field, st.Action)
		}
		return nil
	}

	switch st.Action {
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	case StepSet, StepDelete:
		return need("path", st.Path)
	case StepMerge:
		if err := need("path", st.Path); err != nil {
			return err
		}
		if st.Fields == nil {
			return fmt.Errorf("steps[%d]: fields is required for merge", index)
		}
	case StepAdvance:
		if err := need("duration", st.Duration); err != nil {
			return err
		}
		if d, err := time.ParseDuration(st.Duration); err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: invalid duration %q", index, st.Duration)
		}
	case StepWatch, StepFlush, StepRemoteDelete:
		return need("id", st.ID)
	case StepWrite:
		if err := need("id", st.ID); err != nil {
			return err
		}
		return need("path", st.Path)
	case StepWriteBatch, StepRemoteUpdate, StepRemoteCreate:
		if err := need("id", st.ID); err != nil {
			return err
		}
		if st.Fields == nil {
			return fmt.Errorf("steps[%d]: fields is required for %s", index, st.Action)
		}
	case StepWriteAll:
		if err := need("path", st.Path); err != nil {
			return err
		}
		return need("expr", st.Expr)
	case StepSwitchRoom:
		return need("room", st.Room)
	case StepWatchCollection, StepDisconnect, StepFailWrites:
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRemoteState:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for remote_state", index)
		}
		if a.Expect == nil && a.Exists == nil {
			return fmt.Errorf("assertions[%d]: expect or exists is required for remote_state", index)
		}
	case AssertLocalState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for local_state", index)
		}
		if a.Expect == nil && a.Exists == nil {
			return fmt.Errorf("assertions[%d]: expect or exists is required for local_state", index)
		}
	case AssertStatus:
		if _, ok := a.Expect.(map[string]any); !ok {
			return fmt.Errorf("assertions[%d]: expect map is required for status", index)
		}
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
