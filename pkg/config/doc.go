// Package config loads conductor configuration from CUE and provides the
// schema and script tooling the orchestrator and engines share.
//
// # Components
//
// Parser: reads a conductor.cue file (or every .cue file of a directory),
// unifies it with the built-in #Config schema, which supplies defaults for
// every scalar, decodes it into Config and validates struct tags and
// cross-field rules.
//
// SchemaRegistry: holds the #Config schema and optional per-step #Output
// schemas. It implements orchestrator.OutputValidator, so a step output that
// violates its schema is treated as a retryable engine failure.
//
// Validator: go-playground/validator checks for Config and for every incoming
// orchestrator.Request (it implements orchestrator.RequestValidator).
//
// StarlarkEvaluator: sandboxed Starlark execution for scripted rules, with a
// step budget and a timeout. Scripts see their input as predeclared names
// plus split_sentences, word_count, clamp and struct.
//
// # Configuration
//
// Every section is optional and Default() equals what an empty file decodes
// to. Empty collections (engines, intents.rules, plans, fallback_chain) fall
// back to the built-in tables through the EngineConfigs, IntentRules,
// PlanTable and Chain accessors.
//
//	telemetry: log_level: "debug"
//	store: path: "/var/lib/conductor/audit.db"
//	policy: {
//	    paths: ["/etc/conductor/policies"]
//	    watch: true
//	}
//	engines: [
//	    {name: "rule_engine", kind: "rule"},
//	    {name: "openai", kind: "ai", timeout: "60s", providers: [
//	        {name: "groq", base_url: "https://api.groq.com/openai/v1", model: "llama-3.1-8b-instant", api_key_env: "GROQ_API_KEY"},
//	    ]},
//	]
//	render: {
//	    mode: "ssh"
//	    ssh: {host: "render-01", user: "render", key_path: "~/.ssh/id_ed25519"}
//	}
//
// # Usage
//
//	parser := config.NewParser()
//	cfg, err := parser.Load(ctx, []string{"conductor.cue"})
//	if err != nil {
//	    log.Fatal().Err(err).Msg("Failed to load configuration")
//	}
//
//	orch, err := orchestrator.New(orchestrator.Options{
//	    IntentRules:     cfg.IntentRules(),
//	    DefaultIntent:   cfg.Intents.Default,
//	    Plans:           cfg.PlanTable(),
//	    Validator:       config.NewValidator(),
//	    OutputValidator: parser.Schemas(),
//	})
package config
