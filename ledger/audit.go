/*
audit.go - Fire-and-forget audit recording

PURPOSE:
  Administrative overrides must leave an accountability trail, but a failed
  audit write must not swallow the underlying state change, nor block it.
  The recorder logs the failure and returns a warning the caller attaches to
  the successful primary result. No inline retry.

SEE ALSO:
  - membership.go: AdjustByAdmin uses the recorder
  - store.go: AuditLog interface
*/
package ledger

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// AuditRecorder wraps an AuditLog with the fire-and-forget policy.
type AuditRecorder struct {
	Log AuditLog
}

// Record appends an audit entry. On failure it logs and returns a warning
// string for the caller to surface; the empty string means the entry was
// written (or no log is configured).
func (r *AuditRecorder) Record(ctx context.Context, e AuditEntry) string {
	if r == nil || r.Log == nil {
		return ""
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := r.Log.AppendAudit(ctx, e); err != nil {
		log.Printf("WARN: audit write failed for %s %s (%s): %v", e.Entity, e.EntityID, e.Action, err)
		return fmt.Sprintf("audit entry could not be written: %v", err)
	}
	return ""
}
