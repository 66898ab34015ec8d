package knowledge

import (
	"time"

	"github.com/pkg/errors"
)

// Kind classifies a knowledge entry.
type Kind string

const (
	// KindEndpointDoc is imported or distilled endpoint documentation.
	KindEndpointDoc Kind = "endpoint_doc"
	// KindVerificationRecord captures empirically verified API behavior.
	KindVerificationRecord Kind = "verification_record"
	// KindErrorRecord captures observed failures and anomalies.
	KindErrorRecord Kind = "error_record"
)

// Valid reports whether k is one of the known kinds. The empty kind is not
// valid on an entry; it is only meaningful as an unset filter.
func (k Kind) Valid() bool {
	switch k {
	case KindEndpointDoc, KindVerificationRecord, KindErrorRecord:
		return true
	}
	return false
}

// Entry is one immutable knowledge record. New facts create new entries;
// nothing edits an existing one in place, so the verification trail stays
// auditable. Entries are never destroyed automatically — Delete is an
// explicit administrative operation.
type Entry struct {
	ID            string                 `json:"id"`
	SourceAPIPath string                 `json:"source_api_path"`
	Kind          Kind                   `json:"kind"`
	Content       string                 `json:"content"`
	Embedding     []float32              `json:"embedding,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Importance    int                    `json:"importance,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Validate checks the fields a caller must provide before Put.
func (e *Entry) Validate() error {
	if e.Content == "" {
		return errors.New("entry content cannot be empty")
	}
	if !e.Kind.Valid() {
		return errors.Errorf("invalid entry kind %q", e.Kind)
	}
	return nil
}

// ScoredEntry pairs an entry with its similarity to a search query.
type ScoredEntry struct {
	Entry Entry   `json:"entry"`
	Score float32 `json:"score"`
}
