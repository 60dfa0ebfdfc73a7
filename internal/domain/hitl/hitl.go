// Package hitl defines the human-in-the-loop approval request entity.
package hitl

import (
	"encoding/json"
	"slices"
	"time"
)

// Status of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusModified  Status = "modified"
	StatusEscalated Status = "escalated"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Action a human may take on a pending request.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionModify   Action = "modify"
	ActionEscalate Action = "escalate"
)

// statusForAction maps a resolving action to the resulting request status.
var statusForAction = map[Action]Status{
	ActionApprove:  StatusApproved,
	ActionReject:   StatusRejected,
	ActionModify:   StatusModified,
	ActionEscalate: StatusEscalated,
}

// StatusFor returns the request status produced by the given action.
func StatusFor(a Action) (Status, bool) {
	s, ok := statusForAction[a]
	return s, ok
}

// AuditEntry is one append-only record of an action taken on a request.
type AuditEntry struct {
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id"`
	Comments  string    `json:"comments,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is a pending human approval blocking a run.
type Request struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	StepID   string `json:"step_id,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Status   Status `json:"status"`

	Prompt                  string          `json:"prompt,omitempty"`
	Data                    json.RawMessage `json:"data,omitempty"`
	AllowedActions          []Action        `json:"allowed_actions"`
	DataModificationAllowed bool            `json:"data_modification_allowed"`

	AssignedTo  string   `json:"assigned_to,omitempty"`
	ApproverIDs []string `json:"approver_ids,omitempty"`

	Deadline   *time.Time `json:"deadline,omitempty"`
	AutoExpire bool       `json:"auto_expire"`

	Action       Action          `json:"action,omitempty"`
	ResolvedBy   string          `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	Comments     string          `json:"comments,omitempty"`
	ModifiedData json.RawMessage `json:"modified_data,omitempty"`

	AuditTrail []AuditEntry `json:"audit_trail"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Allows reports whether the request permits the given action. An empty
// allowed set permits approve and reject only.
func (r *Request) Allows(a Action) bool {
	if len(r.AllowedActions) == 0 {
		return a == ActionApprove || a == ActionReject
	}
	return slices.Contains(r.AllowedActions, a)
}

// Resolution is a human decision submitted through the control API.
type Resolution struct {
	Action       Action          `json:"action"`
	Comments     string          `json:"comments,omitempty"`
	ModifiedData json.RawMessage `json:"modified_data,omitempty"`
}
