package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

func TestValidator_ValidateRequest(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		req        orchestrator.Request
		wantFields []string
	}{
		{
			name: "minimal request",
			req:  orchestrator.Request{Prompt: "a short clip about cats"},
		},
		{
			name: "full request",
			req: orchestrator.Request{
				Prompt:        "a memorial video for grandma",
				Type:          "shortform",
				Duration:      30,
				Purpose:       "memorial",
				SubjectName:   "Grandma",
				SubjectStatus: "deceased",
				Consent:       &orchestrator.Consent{Type: "family"},
				UserID:        "user-1",
			},
		},
		{
			name:       "missing prompt",
			req:        orchestrator.Request{},
			wantFields: []string{"prompt"},
		},
		{
			name:       "prompt too long",
			req:        orchestrator.Request{Prompt: strings.Repeat("a", 8001)},
			wantFields: []string{"prompt"},
		},
		{
			name:       "unknown purpose and status",
			req:        orchestrator.Request{Prompt: "x", Purpose: "resale", SubjectStatus: "undead"},
			wantFields: []string{"purpose", "subject_status"},
		},
		{
			name:       "duration out of range",
			req:        orchestrator.Request{Prompt: "x", Duration: 601},
			wantFields: []string{"duration"},
		},
		{
			name:       "consent without type",
			req:        orchestrator.Request{Prompt: "x", Consent: &orchestrator.Consent{}},
			wantFields: []string{"consent.type"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateRequest(tt.req)
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, orchestrator.IsValidation(err))

			var oerr *orchestrator.Error
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, tt.wantFields, oerr.Details["fields"])
		})
	}
}

func TestValidator_ValidateConfig(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "store enabled without path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "store.path",
		},
		{
			name:    "otlp without endpoint",
			mutate:  func(c *Config) { c.Telemetry.Tracing.Exporter = "otlp" },
			wantErr: "telemetry.tracing.endpoint",
		},
		{
			name:    "bad engine timeout",
			mutate:  func(c *Config) { c.Engines = []EngineConfig{{Name: "r", Kind: KindRule, Timeout: "-1s"}} },
			wantErr: "engines[0].timeout",
		},
		{
			name: "plan with unknown engine type",
			mutate: func(c *Config) {
				c.Plans = map[string][]orchestrator.StepSpec{
					"generate_text": {{Name: "write", EngineType: "oracle"}},
				}
			},
			wantErr: "engine_type",
		},
		{
			name: "plan with duplicate steps",
			mutate: func(c *Config) {
				c.Plans = map[string][]orchestrator.StepSpec{
					"generate_text": {
						{Name: "write", EngineType: orchestrator.EngineTypeAI},
						{Name: "write", EngineType: orchestrator.EngineTypeRule},
					},
				}
			},
			wantErr: "duplicate step write",
		},
		{
			name:    "plugin without manifest",
			mutate:  func(c *Config) { c.Plugins = []PluginConfig{{Enabled: true}} },
			wantErr: "plugins[0].manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := v.ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
