package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

// SchemaRegistry holds named CUE schemas: the configuration schema and one
// optional schema per step name that step outputs are checked against.
//
// Each registered source must define #Output (steps) or #Config (the
// configuration schema). CUE values are not safe for concurrent evaluation, so
// every compile, unify and decode in the registry context runs under mu.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	config  cue.Value
	schemas map[string]cue.Value
}

var _ orchestrator.OutputValidator = (*SchemaRegistry)(nil)

// NewSchemaRegistry creates a registry holding the configuration schema and
// the built-in step output schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.config = sr.ctx.CompileString(configSchema, cue.Filename("config.cue")).
		LookupPath(cue.ParsePath("#Config"))

	for step, schema := range builtinStepSchemas {
		if err := sr.RegisterStepSchema(step, schema); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterStepSchema compiles schema and binds its #Output definition to step.
// A later registration for the same step replaces the earlier one.
func (sr *SchemaRegistry) RegisterStepSchema(step, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(step+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", step, err)
	}

	out := val.LookupPath(cue.ParsePath("#Output"))
	if !out.Exists() {
		return fmt.Errorf("schema %s does not define #Output", step)
	}

	sr.schemas[step] = out
	return nil
}

// HasSchema reports whether step has an output schema.
func (sr *SchemaRegistry) HasSchema(step string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	_, ok := sr.schemas[step]
	return ok
}

// ListSchemas returns the step names that have a schema, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateOutput checks output against the schema registered for stepName.
// Steps without a schema always pass.
func (sr *SchemaRegistry) ValidateOutput(stepName string, output interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[stepName]
	if !ok {
		return nil
	}

	data := sr.ctx.Encode(output)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode %s output: %w", stepName, err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s output does not match schema: %w", stepName, err)
	}
	return nil
}

// builtinStepSchemas constrain the outputs the built-in plans depend on.
// Numbers are typed as number because plugin outputs arrive as JSON floats.
var builtinStepSchemas = map[string]string{
	"generate_script": `
#Output: {
	script:     string & !=""
	word_count: number & >=0
	duration:   number & >0
	...
}
`,
	"create_scenes": `
import "list"

#Scene: {
	index:    number & >=0
	text:     string
	duration: number & >0
	...
}

#Output: list.MinItems(3) & list.MaxItems(10) & [...#Scene]
`,
	"generate_subtitles": `
#Output: [...{
	index: number & >=0
	start: number & >=0
	end:   number & >=start
	text:  string
	lines?: [...string]
	...
}]
`,
	"select_motion": `
#Output: {
	motion: {
		eye:    string & !=""
		head:   string & !=""
		breath: string & !=""
		mouth:  string & !=""
		...
	}
	...
}
`,
	"render_video": `
#Output: {
	file_path: string & !=""
	...
}
`,
}

const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#EngineType: "ai" | "rule" | "template" | "expert"

#Config: {
	telemetry: {
		service_name: string | *"conductor"
		environment:  string | *"development"
		log_level:    *"info" | "trace" | "debug" | "warn" | "error" | "disabled"
		log_format:   *"console" | "json"
		tracing: {
			enabled:       bool | *false
			exporter:      *"none" | "stdout" | "otlp"
			endpoint:      string | *""
			sampling_rate: number & >=0 & <=1 | *1.0
		}
		metrics: {
			enabled:        bool | *false
			listen_address: string | *":9090"
		}
		events: {
			enabled:     bool | *true
			buffer_size: int & >0 | *1000
		}
	}

	store: {
		enabled: bool | *true
		path:    string | *"conductor.db"
	}

	policy: {
		enabled: bool | *true
		paths?: [...string]
		watch: bool | *false
	}

	intents: {
		default: string | *"generate_text"
		rules?: [...{
			intent: string & !=""
			keywords: [string, ...string]
			aliases?: [...string]
		}]
	}

	plans?: [string]: [...{
		name:        string & !=""
		engine_type: #EngineType
		required:    bool | *true
		params?: {...}
	}]

	fallback_chain?: [#EngineType]: [...#EngineType]

	engines?: [...{
		name:     string & =~"^[a-zA-Z0-9_-]+$"
		kind:     "rule" | "template" | "ai" | "expert" | "render" | "plugin"
		type?:    #EngineType
		priority: int | *10
		enabled:  bool | *true
		timeout:  *"30s" | #Duration
		providers?: [...{
			name:         string
			base_url:     string
			model:        string
			api_key_env?: string
			timeout:      *"30s" | #Duration
			image_model?: string
		}]
		templates?: [string]: string
		scripts?: [string]: string
		settings?: {...}
	}]

	render: {
		mode:       *"local" | "ssh" | "disabled"
		runner:     string | *"render-runner"
		output_dir: string | *"output"
		timeout:    *"5m" | #Duration
		ssh?: {
			host:          string
			port:          int & >0 & <65536 | *22
			user:          string
			key_path?:     string
			password_env?: string
			known_hosts?:  string
			remote_runner: string | *"render-runner"
			remote_dir:    string | *"/tmp/conductor"
		}
	}

	plugins?: [...{
		manifest: string
		enabled:  bool | *true
	}]

	retention: *"1h" | #Duration
}
`
