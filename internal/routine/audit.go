package routine

import (
	"context"
	"time"
)

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	OK     bool
	Error  string
	TookMS int64
	Meta   string
}

// Auditor receives audit entries. Failures never fail the audited operation.
type Auditor interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}
