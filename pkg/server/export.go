package server

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/model"
)

// exportPageSize is the ListSessions page used while exporting.
const exportPageSize = 500

// SessionYAML represents a QR session in the YAML audit export. Hashes and
// nonces are left out.
type SessionYAML struct {
	ID           int64             `yaml:"id"`
	Type         string            `yaml:"type"`
	Status       string            `yaml:"status"`
	GeneratedBy  int64             `yaml:"generated_by"`
	ExpiresAt    string            `yaml:"expires_at"`
	ConsumedBy   *int64            `yaml:"consumed_by,omitempty"`
	ConsumedAt   string            `yaml:"consumed_at,omitempty"`
	AttendanceID *int64            `yaml:"attendance_id,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
	CreatedAt    string            `yaml:"created_at"`
}

// SessionsExport is the top-level YAML for session export.
type SessionsExport struct {
	Counts   map[string]int64 `yaml:"counts"`
	Sessions []SessionYAML    `yaml:"sessions"`
}

// ExportSessionsYAML exports all QR sessions, newest first, as YAML.
func ExportSessionsYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	ds := st.NonTx()

	counts, err := ds.CountSessionsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("export sessions: %w", err)
	}
	export := SessionsExport{Counts: make(map[string]int64, len(counts))}
	for status, n := range counts {
		export.Counts[status.String()] = n
	}

	for offset := 0; ; offset += exportPageSize {
		page, err := ds.ListSessions(ctx, model.SessionFilters{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("export sessions: %w", err)
		}
		for _, s := range page {
			export.Sessions = append(export.Sessions, sessionToYAML(s))
		}
		if len(page) < exportPageSize {
			break
		}
	}
	return yaml.Marshal(&export)
}

func sessionToYAML(s model.QRSession) SessionYAML {
	entry := SessionYAML{
		ID:           s.ID,
		Type:         s.Type.String(),
		Status:       s.Status.String(),
		GeneratedBy:  s.GeneratedBy,
		ExpiresAt:    s.ExpiresAt.UTC().Format(time.RFC3339),
		ConsumedBy:   s.ConsumedBy,
		AttendanceID: s.AttendanceID,
		Metadata:     s.Metadata,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.ConsumedAt != nil {
		entry.ConsumedAt = s.ConsumedAt.UTC().Format(time.RFC3339)
	}
	return entry
}
