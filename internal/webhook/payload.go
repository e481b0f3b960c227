package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/JakeFAU/extraction-jobs/internal/jobs"
	"github.com/JakeFAU/extraction-jobs/internal/progress"
)

// ErrMalformed marks a payload rejected before it reached the registry.
var ErrMalformed = errors.New("malformed webhook payload")

// envelopeSchema is all a callback must satisfy to be acknowledged. Anything
// else about the body is only checked for event kinds the ingestor applies,
// so the worker can introduce new kinds with new shapes.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event", "jobId"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "jobId": {"type": "string", "minLength": 1}
  }
}`

// eventSchema constrains the fields read from known event kinds.
const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "appJobId": {"type": "string"},
    "error": {"type": ["string", "null"]},
    "data": {
      "type": ["object", "null"],
      "properties": {
        "message": {"type": ["string", "null"]},
        "rows": {"type": ["array", "null"], "items": {"type": "object"}},
        "csv": {"type": ["string", "null"]},
        "feedback": {"type": ["string", "null"]},
        "error": {"type": ["string", "null"]}
      }
    }
  }
}`

type schemas struct {
	envelope *jsonschema.Schema
	event    *jsonschema.Schema
}

var compileSchemas = sync.OnceValues(func() (schemas, error) {
	var out schemas
	var err error
	if out.envelope, err = compileSchema("mem://webhook/envelope.json", envelopeSchema); err != nil {
		return schemas{}, err
	}
	if out.event, err = compileSchema("mem://webhook/event.json", eventSchema); err != nil {
		return schemas{}, err
	}
	return out, nil
})

// compileSchema registers src under an absolute URL so locations in
// validation errors never resolve against the working directory.
func compileSchema(url, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return schema, nil
}

// Payload is one worker callback.
type Payload struct {
	// Event is the open-ended event kind.
	Event string `json:"event"`
	// JobID is the worker-issued job id.
	JobID string `json:"jobId"`
	// AppJobID is the application job id echoed back by workers that were
	// handed one at invocation time.
	AppJobID string          `json:"appJobId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// eventData is the union of the per-kind data fields.
type eventData struct {
	Message  string     `json:"message"`
	Rows     []jobs.Row `json:"rows"`
	Current  any        `json:"current"`
	Total    any        `json:"total"`
	CSV      *string    `json:"csv"`
	Feedback string     `json:"feedback"`
	Error    string     `json:"error"`
}

// progress returns the reported counters when both are JSON numbers.
func (d eventData) progress() (jobs.Progress, bool) {
	current, ok := d.Current.(float64)
	if !ok {
		return jobs.Progress{}, false
	}
	total, ok := d.Total.(float64)
	if !ok {
		return jobs.Progress{}, false
	}
	return jobs.Progress{Current: current, Total: total}, true
}

// Decode validates body and decodes it. Only event and jobId are required of
// every callback; the remaining fields are validated and decoded when the
// event kind is one the ingestor applies.
func Decode(body []byte) (Payload, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return Payload{}, err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiled.envelope.Validate(doc); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !ingestible(progress.Kind(eventName(doc))) {
		var head struct {
			Event string `json:"event"`
			JobID string `json:"jobId"`
		}
		if err := json.Unmarshal(body, &head); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Payload{Event: head.Event, JobID: head.JobID}, nil
	}
	if err := compiled.event.Validate(doc); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

func eventName(doc any) string {
	obj, _ := doc.(map[string]any)
	name, _ := obj["event"].(string)
	return name
}

func (p Payload) validate() error {
	if p.Event == "" || p.JobID == "" {
		return fmt.Errorf("%w: event and jobId are required", ErrMalformed)
	}
	return nil
}

func (p Payload) data() (eventData, error) {
	var d eventData
	trimmed := bytes.TrimSpace(p.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return d, nil
	}
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return d, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	return d, nil
}
