package store

import (
	"context"
	"encoding/json"

	"podium/internal/types"
)

// AppendAudit records one admin action. Detail is marshalled to JSON; a nil
// detail stores NULL. Audit writes never carry credentials, callers pass
// redacted material only.
func (s *Store) AppendAudit(ctx context.Context, action, resource, resourceID string, detail interface{}) error {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return types.WrapError(types.KindValidation, err, "failed to encode audit detail")
		}
		raw = b
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_log (action, resource, resource_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		action, resource, resourceID, nullableJSON(raw), s.now())
	if err != nil {
		return types.WrapError(types.KindStorageUnavailable, err, "failed to append audit entry")
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit, offset int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var entries []*types.AuditEntry
	err := s.db.SelectContext(ctx, &entries, s.rebind(`
		SELECT * FROM audit_log ORDER BY id DESC LIMIT ? OFFSET ?`),
		limit, max(offset, 0))
	if err != nil {
		return nil, types.WrapError(types.KindStorageUnavailable, err, "failed to list audit entries")
	}
	return entries, nil
}
