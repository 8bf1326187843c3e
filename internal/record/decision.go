package record

import (
	"encoding/json"
	"fmt"
)

// #region decision-kind

// DecisionKind enumerates the closed set of gate outcomes a record can
// carry. The set is a schema: adding a kind is a deliberate format change,
// not a runtime extension.
type DecisionKind string

const (
	KindAllow      DecisionKind = "allow"
	KindBlock      DecisionKind = "block"
	KindRewrite    DecisionKind = "rewrite"
	KindRollback   DecisionKind = "rollback"
	KindSystemHalt DecisionKind = "system_halt"
)

// Valid reports whether k is one of the five known kinds.
func (k DecisionKind) Valid() bool {
	switch k {
	case KindAllow, KindBlock, KindRewrite, KindRollback, KindSystemHalt:
		return true
	}
	return false
}

// #endregion decision-kind

// #region decision

// Decision is the opaque gate verdict attached to a record. The ledger
// never interprets it beyond shape validation.
type Decision struct {
	Kind       DecisionKind `json:"kind"`
	Reason     string       `json:"reason,omitempty"`
	TargetHash string       `json:"target_hash,omitempty"`
}

// Allow is the pass-through verdict.
func Allow() Decision {
	return Decision{Kind: KindAllow}
}

// Block records a refused input with the gate's reason.
func Block(reason string) Decision {
	return Decision{Kind: KindBlock, Reason: reason}
}

// Rewrite records an input the gate rephrased before use.
func Rewrite(reason string) Decision {
	return Decision{Kind: KindRewrite, Reason: reason}
}

// RollbackTo marks a reset to the record identified by targetHash.
func RollbackTo(targetHash string) Decision {
	return Decision{Kind: KindRollback, TargetHash: targetHash}
}

// SystemHalt records a full stop requested by the guardian.
func SystemHalt(reason string) Decision {
	return Decision{Kind: KindSystemHalt, Reason: reason}
}

// #endregion decision

// #region decision-json

// decisionWire mirrors Decision for decoding without recursing into
// UnmarshalJSON.
type decisionWire struct {
	Kind       DecisionKind `json:"kind"`
	Reason     string       `json:"reason,omitempty"`
	TargetHash string       `json:"target_hash,omitempty"`
}

// UnmarshalJSON enforces the closed kind set on every decode path.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var w decisionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Kind.Valid() {
		return fmt.Errorf("unknown decision kind %q", w.Kind)
	}
	if w.Kind == KindRollback && w.TargetHash == "" {
		return fmt.Errorf("rollback decision missing target_hash")
	}
	*d = Decision(w)
	return nil
}

// #endregion decision-json
