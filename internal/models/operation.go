package models

import (
	"gorm.io/gorm"
)

// OperationType discriminates the unit-of-work kinds that go through the
// approval/execution state machine.
type OperationType string

const (
	OpFundingRequest OperationType = "FUNDING_REQUEST"
	OpSupportCoin    OperationType = "SUPPORT_COIN"
	OpExitCoin       OperationType = "EXIT_COIN"
)

// OperationStatus is the state-machine position of an operation. Transitions
// only ever follow pending -> approved -> executing -> {complete, failed};
// terminal rows are immutable.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpApproved  OperationStatus = "approved"
	OpExecuting OperationStatus = "executing"
	OpComplete  OperationStatus = "complete"
	OpFailed    OperationStatus = "failed"
)

// Open reports whether the status still holds the cluster's exclusive slot.
func (s OperationStatus) Open() bool {
	return s == OpPending || s == OpApproved || s == OpExecuting
}

// Terminal reports whether the status is final.
func (s OperationStatus) Terminal() bool {
	return s == OpComplete || s == OpFailed
}

// OpenStatuses lists the statuses that count against the one-open-operation
// invariant, in a form usable in SQL IN clauses.
var OpenStatuses = []OperationStatus{OpPending, OpApproved, OpExecuting}

// Operation is a fleet-wide unit of work. At most one open operation may
// exist per cluster at any time; that row-level invariant is what keeps two
// trades from overlapping on the same cluster across process restarts.
type Operation struct {
	gorm.Model
	Reference    string          `gorm:"size:36;uniqueIndex;not null"`
	Type         OperationType   `gorm:"size:24;index;not null"`
	ClusterID    uint            `gorm:"index;not null"`
	Status       OperationStatus `gorm:"size:12;index;not null"`
	RequestedBy  string          `gorm:"size:64"`
	ApprovedBy   string          `gorm:"size:64"`
	Payload      string          `gorm:"type:text"`
	Result       string          `gorm:"type:text"`
	ErrorMessage string          `gorm:"type:text"`
}
