// Package toolkit provides the built-in tools a verification step can
// advertise: HTTP probing, knowledge writes and reads, the step completion
// signal, and a clock.
package toolkit

import (
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/knowledge"
	"github.com/apiprobe/apiprobe/pkg/tools"
)

const (
	HTTPVerifyToolName      = "http_verify"
	StoreMemoryToolName     = "store_memory"
	CompleteStepToolName    = "complete_step"
	CurrentTimeToolName     = "current_time"
	SearchKnowledgeToolName = "search_knowledge"
)

// Config binds the built-in tools to one run's environment.
type Config struct {
	// Store receives store_memory writes and answers search_knowledge.
	Store knowledge.Store
	// BaseURL resolves relative http_verify URLs against the run's test
	// environment.
	BaseURL string
	// APIPath is the default source_api_path for stored knowledge.
	APIPath string
	// Clock backs current_time; nil means time.Now.
	Clock func() time.Time
	// HTTPClient overrides the http_verify client; nil builds one with
	// HTTPTimeout.
	HTTPClient *http.Client
	// HTTPTimeout bounds each http_verify request; zero means 30s.
	HTTPTimeout time.Duration
}

// RegisterDefaults builds the default tool set and registers it.
func RegisterDefaults(registry tools.Registry, cfg Config) error {
	if cfg.Store == nil {
		return errors.New("toolkit requires a knowledge store")
	}

	verify, err := NewHTTPVerify(cfg.BaseURL, cfg.HTTPClient, cfg.HTTPTimeout)
	if err != nil {
		return err
	}
	storeMemory, err := NewStoreMemory(cfg.Store, cfg.APIPath)
	if err != nil {
		return err
	}
	search, err := NewSearchKnowledge(cfg.Store)
	if err != nil {
		return err
	}
	clock, err := NewCurrentTime(cfg.Clock)
	if err != nil {
		return err
	}

	for _, def := range []*tools.Definition{
		verify,
		storeMemory,
		search,
		NewCompleteStep(),
		clock,
	} {
		if err := registry.Register(def); err != nil {
			return errors.Wrapf(err, "failed to register %s", def.Name)
		}
	}
	return nil
}
