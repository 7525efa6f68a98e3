// Package errors defines the error taxonomy shared by the cluster packages.
package errors

import (
	"errors"
	"fmt"
)

// ErrInvalidArgs indicates wrong number of arguments.
var ErrInvalidArgs = errors.New("wrong number of arguments")

// Sentinel errors for cluster operations.
var (
	// ErrClusterDown indicates a slot has no reachable owner.
	ErrClusterDown = errors.New("CLUSTERDOWN The cluster is down")

	// ErrCrossSlot indicates keys belong to different slots.
	ErrCrossSlot = errors.New("CROSSSLOT Keys in request don't hash to the same slot")

	// ErrNotOwner indicates this node does not own the slot it was asked to act on.
	ErrNotOwner = errors.New("I'm not the owner of the slot")

	// ErrUnknownNode indicates a node ID missing from the membership table.
	ErrUnknownNode = errors.New("unknown node")

	// ErrSlotBusy indicates the slot already has a migration in progress.
	ErrSlotBusy = errors.New("slot is already migrating or importing")

	// ErrNotMaster indicates an operation that only a master can perform.
	ErrNotMaster = errors.New("node is not a master")

	// ErrTryAgain indicates a multi-key request hit a slot mid-migration with
	// only some of its keys present.
	ErrTryAgain = errors.New("TRYAGAIN Multiple keys request during rehashing of slot")

	// ErrElectionAbandoned indicates an election observed a higher epoch and stopped.
	ErrElectionAbandoned = errors.New("election abandoned")
)

// RedirectKind distinguishes permanent from migration redirects.
type RedirectKind int

const (
	RedirectMoved RedirectKind = iota
	RedirectAsk
)

func (k RedirectKind) String() string {
	if k == RedirectAsk {
		return "ASK"
	}
	return "MOVED"
}

// RoutingError is returned when a request reached the wrong node. It is
// recovered by the client following the redirect.
type RoutingError struct {
	Kind RedirectKind
	Slot uint16
	Addr string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s %d %s", e.Kind, e.Slot, e.Addr)
}

// ReplicationGapError reports an offset discontinuity in a replication stream.
type ReplicationGapError struct {
	Expected uint64
	Got      uint64
}

func (e *ReplicationGapError) Error() string {
	return fmt.Sprintf("replication gap: expected offset %d, got %d", e.Expected, e.Got)
}

// QuorumTimeoutError reports an election round that did not collect a majority.
type QuorumTimeoutError struct {
	Epoch  uint64
	Votes  int
	Needed int
}

func (e *QuorumTimeoutError) Error() string {
	return fmt.Sprintf("election for epoch %d timed out with %d/%d votes", e.Epoch, e.Votes, e.Needed)
}

// SplitBrainError reports two masters claiming one slot under the same epoch.
type SplitBrainError struct {
	Slot   uint16
	Epoch  uint64
	Winner string
	Loser  string
}

func (e *SplitBrainError) Error() string {
	return fmt.Sprintf("split brain on slot %d at epoch %d: %s keeps, %s steps down",
		e.Slot, e.Epoch, e.Winner, e.Loser)
}

// ClusterDownError is the terminal client error for a slot without a reachable owner.
type ClusterDownError struct {
	Slot   uint16
	Reason string
}

func (e *ClusterDownError) Error() string {
	return fmt.Sprintf("%s: slot %d %s", ErrClusterDown.Error(), e.Slot, e.Reason)
}

func (e *ClusterDownError) Unwrap() error {
	return ErrClusterDown
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
