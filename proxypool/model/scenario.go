package model

import "time"

// Category groups scenarios by intent.
type Category string

const (
	CategoryBasic       Category = "basic"
	CategoryPerformance Category = "performance"
	CategorySecurity    Category = "security"
	CategoryReliability Category = "reliability"
	CategoryCustom      Category = "custom"
)

// ExecutionMode controls how the steps of a scenario are dispatched.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// StepType selects the kind of probe a step performs.
type StepType string

const (
	StepHTTP   StepType = "http"
	StepHTTPS  StepType = "https"
	StepSOCKS  StepType = "socks"
	StepPing   StepType = "ping"
	StepDNS    StepType = "dns"
	StepCustom StepType = "custom"
)

// StepConfig carries the probe target and expectations of a step.
type StepConfig struct {
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	Host           string            `json:"host,omitempty" yaml:"host,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ExpectedStatus int               `json:"expected_status,omitempty" yaml:"expected_status,omitempty"`
	ExpectBody     string            `json:"expect_body,omitempty" yaml:"expect_body,omitempty"`
	ExpectSelector string            `json:"expect_selector,omitempty" yaml:"expect_selector,omitempty"`
	UploadBytes    int               `json:"upload_bytes,omitempty" yaml:"upload_bytes,omitempty"`
}

// TestStep is a single typed probe request inside a scenario.
type TestStep struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Type     StepType      `json:"type" yaml:"type"`
	Config   StepConfig    `json:"config" yaml:"config"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Weight   float64       `json:"weight" yaml:"weight"`
	Critical bool          `json:"critical" yaml:"critical"`
}

// TestScenario is a named group of steps run against one proxy.
type TestScenario struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Category    Category      `json:"category" yaml:"category"`
	Mode        ExecutionMode `json:"mode" yaml:"mode"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	Retries     int           `json:"retries" yaml:"retries"`
	Steps       []TestStep    `json:"steps" yaml:"steps"`
}

// Clone returns a deep copy so catalog entries cannot be edited through a
// handed-out value.
func (s TestScenario) Clone() TestScenario {
	c := s
	c.Steps = make([]TestStep, len(s.Steps))
	for i, st := range s.Steps {
		c.Steps[i] = st
		if st.Config.Headers != nil {
			h := make(map[string]string, len(st.Config.Headers))
			for k, v := range st.Config.Headers {
				h[k] = v
			}
			c.Steps[i].Config.Headers = h
		}
	}
	return c
}
