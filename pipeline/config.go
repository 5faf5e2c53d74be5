package pipeline

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TaskDescription is one entry of a Config: spec.md §6's
// `{ command, args?, PRESERVE_RESULT_COPY?, NO_MULTITHREADING? }`.
//
// Command holds a dotted-path callable name (string), a DeferredResult, or
// an Await. Args elements may be plain values, DeferredResult,
// LateStaticBinding, or AsyncResult.
type TaskDescription struct {
	Command            any
	Args               []any
	PreserveResultCopy bool
	NoMultithreading   bool
}

// Config is the declarative task graph configuration of spec.md §6: a
// mapping from task id to its description.
type Config map[string]TaskDescription

// jsonTaskDescription is the wire shape accepted by LoadConfigJSON. The
// command is a lookup-name string only; arguments may be plain values or
// the placeholder objects jsonArgument decodes. DeferredResult/Await
// commands are a programmatic-config-only feature (see LoadConfigJSON's
// doc comment).
type jsonTaskDescription struct {
	Command            string         `json:"command"`
	Args               []jsonArgument `json:"args"`
	PreserveResultCopy bool           `json:"preserve_result_copy"`
	NoMultithreading   bool           `json:"no_multithreading"`
}

// jsonArgument decodes one args[] element. A bare JSON scalar/array/object
// becomes that Go value; a JSON object carrying a reserved key is decoded
// into the matching placeholder type instead.
type jsonArgument struct {
	value any
}

func (a *jsonArgument) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if raw, ok := probe["result_of"]; ok {
			var dep string
			if err := json.Unmarshal(raw, &dep); err != nil {
				return errors.Wrap(err, "pipeline: decoding result_of")
			}
			var then string
			if rawThen, ok := probe["then"]; ok {
				_ = json.Unmarshal(rawThen, &then)
			}
			passRef := false
			if rawRef, ok := probe["pass_ref"]; ok {
				_ = json.Unmarshal(rawRef, &passRef)
			}
			a.value = DeferredResult{Dep: dep, Then: then, PassRef: passRef}
			return nil
		}
		if raw, ok := probe["variable"]; ok {
			var name string
			if err := json.Unmarshal(raw, &name); err != nil {
				return errors.Wrap(err, "pipeline: decoding variable")
			}
			a.value = VARIABLE(name)
			return nil
		}
		if _, ok := probe["async_result"]; ok {
			a.value = ASYNC_RESULT()
			return nil
		}
	}

	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return errors.Wrap(err, "pipeline: decoding argument")
	}
	a.value = plain
	return nil
}

// LoadConfigJSON decodes a Config from JSON shipped as data, e.g. from a
// file read at process start. Commands are lookup-name strings; arguments
// are plain JSON values or objects carrying one of the reserved keys
// "variable", "result_of" (with optional "then" and "pass_ref") or
// "async_result". A DeferredResult or Await command cannot be expressed,
// since the command field decodes only as a string; build such
// configurations as Go map literals instead.
func LoadConfigJSON(data []byte) (Config, error) {
	var raw map[string]jsonTaskDescription
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "pipeline: parsing config JSON")
	}

	cfg := make(Config, len(raw))
	for name, jd := range raw {
		args := make([]any, len(jd.Args))
		for i, a := range jd.Args {
			args[i] = a.value
		}
		cfg[name] = TaskDescription{
			Command:            jd.Command,
			Args:               args,
			PreserveResultCopy: jd.PreserveResultCopy,
			NoMultithreading:   jd.NoMultithreading,
		}
	}
	return cfg, nil
}
