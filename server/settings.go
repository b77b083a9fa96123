package server

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/tools"
	"github.com/martinemde/chatloop/unifiedllm"
)

// StatusReporter reports the runtime state of a tool group.
type StatusReporter interface {
	ToolStatus() tools.ToolStatus
}

// AddStatusReporter adds a tool group to GET /api/tools/status.
func (s *Server) AddStatusReporter(r StatusReporter) {
	s.statuses = append(s.statuses, r)
}

func (s *Server) handleToolStatus(w http.ResponseWriter, r *http.Request) {
	out := make([]tools.ToolStatus, 0, len(s.statuses))
	for _, rep := range s.statuses {
		out = append(out, rep.ToolStatus())
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"statuses": out}, s.logger)
}

// RuntimeConfig is the loop configuration exposed by GET /api/config.
type RuntimeConfig struct {
	Model               string   `json:"model"`
	Provider            string   `json:"provider"`
	MaxIterations       int      `json:"max_iterations"`
	ToolHistoryRounds   int      `json:"tool_history_rounds"`
	LoopDetectionWindow int      `json:"loop_detection_window"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxTokens           *int     `json:"max_tokens,omitempty"`
	EnableThinking      bool     `json:"enable_thinking"`
	Persona             string   `json:"persona"`
	CustomInstructions  string   `json:"custom_instructions"`
}

// ConfigUpdate is the body of PUT /api/config. Absent fields are left
// unchanged.
type ConfigUpdate struct {
	Model               *string  `json:"model" validate:"omitnil,min=1"`
	MaxIterations       *int     `json:"max_iterations" validate:"omitnil,min=1,max=1000"`
	ToolHistoryRounds   *int     `json:"tool_history_rounds" validate:"omitnil,min=0"`
	LoopDetectionWindow *int     `json:"loop_detection_window" validate:"omitnil,min=0"`
	Temperature         *float64 `json:"temperature" validate:"omitnil,min=0,max=2"`
	MaxTokens           *int     `json:"max_tokens" validate:"omitnil,min=1"`
	EnableThinking      *bool    `json:"enable_thinking"`
	Persona             *string  `json:"persona"`
	CustomInstructions  *string  `json:"custom_instructions"`
}

var updateValidator = newUpdateValidator()

func newUpdateValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

func (u ConfigUpdate) validate() error {
	err := updateValidator.Struct(u)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func (s *Server) runtimeConfig() RuntimeConfig {
	cfg := s.loop.Config()
	rc := RuntimeConfig{
		Model:               cfg.Model,
		Provider:            cfg.Provider,
		MaxIterations:       cfg.MaxIterations,
		ToolHistoryRounds:   cfg.ToolHistoryRounds,
		LoopDetectionWindow: cfg.LoopDetectionWindow,
		Temperature:         cfg.Temperature,
		MaxTokens:           cfg.MaxTokens,
		EnableThinking:      cfg.ProviderOptions["enable_thinking"] == true,
	}
	if p := s.loop.Prompt(); p != nil {
		rc.Persona = p.Persona
		rc.CustomInstructions = p.CustomInstructions
	}
	return rc
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.runtimeConfig(), s.logger)
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var u ConfigUpdate
	if err := decodeBody(w, r, &u, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := u.validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := s.loop.Config()
	if u.Model != nil {
		cfg.Model = *u.Model
	}
	if u.MaxIterations != nil {
		cfg.MaxIterations = *u.MaxIterations
	}
	if u.ToolHistoryRounds != nil {
		cfg.ToolHistoryRounds = *u.ToolHistoryRounds
	}
	if u.LoopDetectionWindow != nil {
		cfg.LoopDetectionWindow = *u.LoopDetectionWindow
	}
	if u.Temperature != nil {
		cfg.Temperature = u.Temperature
	}
	if u.MaxTokens != nil {
		cfg.MaxTokens = u.MaxTokens
	}
	if u.EnableThinking != nil {
		if cfg.ProviderOptions == nil {
			cfg.ProviderOptions = map[string]any{}
		}
		if *u.EnableThinking {
			cfg.ProviderOptions["enable_thinking"] = true
		} else {
			delete(cfg.ProviderOptions, "enable_thinking")
		}
	}
	s.loop.SetConfig(cfg)

	if u.Persona != nil || u.CustomInstructions != nil {
		p := s.loop.Prompt()
		if p == nil {
			p = &agentloop.PromptBuilder{}
		}
		if u.Persona != nil {
			p.Persona = *u.Persona
		}
		if u.CustomInstructions != nil {
			p.CustomInstructions = *u.CustomInstructions
		}
		s.loop.SetPrompt(p)
	}

	rc := s.runtimeConfig()
	s.logger.Info("runtime config updated", "model", rc.Model, "max_iterations", rc.MaxIterations, "enable_thinking", rc.EnableThinking)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rc, s.logger)
}

type promptRequest struct {
	CustomInstructions string `json:"custom_instructions"`
}

// renderPrompt builds the system prompt the next run would send. Non-empty
// custom replaces the configured custom instructions.
func (s *Server) renderPrompt(custom string) (string, time.Time) {
	now := time.Now()
	p := s.loop.Prompt()
	if p == nil {
		p = &agentloop.PromptBuilder{}
	}
	if custom != "" {
		p.CustomInstructions = custom
	}
	var defs []unifiedllm.ToolDefinition
	if s.tools != nil {
		defs = s.tools.Definitions()
	}
	return p.Build(now, defs), now
}

func (s *Server) handlePromptGenerate(w http.ResponseWriter, r *http.Request) {
	custom := r.URL.Query().Get("custom_instructions")
	if r.Method == http.MethodPost {
		var req promptRequest
		if err := decodeBody(w, r, &req, true); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		custom = req.CustomInstructions
	}
	prompt, now := s.renderPrompt(custom)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"system_prompt": prompt,
		"datetime_info": map[string]string{
			"datetime": now.Format(time.RFC3339),
			"timezone": now.Location().String(),
			"weekday":  now.Weekday().String(),
		},
	}, s.logger)
}

func (s *Server) handlePromptText(w http.ResponseWriter, r *http.Request) {
	prompt, _ := s.renderPrompt(r.URL.Query().Get("custom_instructions"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, prompt)
}

func (s *Server) handlePromptCurrent(w http.ResponseWriter, r *http.Request) {
	prompt, _ := s.renderPrompt("")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, prompt)
}
