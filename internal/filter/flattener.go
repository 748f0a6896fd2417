// Package filter reduces JMAP FilterOperator trees to the single flat
// condition the storage layout can answer.
package filter

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned for filter shapes the storage layout cannot
// serve. Handlers map it to the JMAP unsupportedFilter error.
var ErrUnsupported = errors.New("unsupported filter")

// Node is one vertex of a filter tree: either an operator with
// sub-conditions or a leaf condition.
type Node struct {
	Operator   string `json:"operator,omitempty"`
	Conditions []Node `json:"conditions,omitempty"`

	InMailbox string `json:"inMailbox,omitempty"`
	Text      string `json:"text,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// Condition is a flattened filter: every populated field constrains the
// query conjunctively.
type Condition struct {
	InMailbox string
	Text      string
	Subject   string
	Body      string
	From      string
	To        string
}

// IsOperator reports whether the node is a FilterOperator rather than a
// leaf condition.
func (n *Node) IsOperator() bool {
	return n.Operator != ""
}

func (n *Node) condition() Condition {
	return Condition{
		InMailbox: n.InMailbox,
		Text:      n.Text,
		Subject:   n.Subject,
		Body:      n.Body,
		From:      n.From,
		To:        n.To,
	}
}

// Flatten reduces a filter tree to one flat condition. AND merges its
// sub-conditions; a single-armed OR degenerates to that arm; multi-armed OR
// and NOT cannot be represented and return ErrUnsupported.
func Flatten(n *Node) (Condition, error) {
	if n == nil {
		return Condition{}, nil
	}
	if !n.IsOperator() {
		return n.condition(), nil
	}

	switch n.Operator {
	case "AND":
		merged := Condition{}
		for i := range n.Conditions {
			sub, err := Flatten(&n.Conditions[i])
			if err != nil {
				return Condition{}, err
			}
			if err := merge(&merged, sub); err != nil {
				return Condition{}, err
			}
		}
		return merged, nil
	case "OR":
		if len(n.Conditions) == 1 {
			return Flatten(&n.Conditions[0])
		}
		return Condition{}, fmt.Errorf("%w: OR with multiple conditions", ErrUnsupported)
	case "NOT":
		return Condition{}, fmt.Errorf("%w: NOT", ErrUnsupported)
	default:
		return Condition{}, fmt.Errorf("%w: unknown operator %q", ErrUnsupported, n.Operator)
	}
}

// merge folds src into dst field by field. A field set on both sides must
// agree, otherwise the conjunction is unsatisfiable in one query.
func merge(dst *Condition, src Condition) error {
	set := func(dstField *string, srcVal, name string) error {
		if srcVal == "" {
			return nil
		}
		if *dstField != "" && *dstField != srcVal {
			return fmt.Errorf("%w: conflicting values for %s", ErrUnsupported, name)
		}
		*dstField = srcVal
		return nil
	}

	if err := set(&dst.InMailbox, src.InMailbox, "inMailbox"); err != nil {
		return err
	}
	if err := set(&dst.Text, src.Text, "text"); err != nil {
		return err
	}
	if err := set(&dst.Subject, src.Subject, "subject"); err != nil {
		return err
	}
	if err := set(&dst.Body, src.Body, "body"); err != nil {
		return err
	}
	if err := set(&dst.From, src.From, "from"); err != nil {
		return err
	}
	return set(&dst.To, src.To, "to")
}
