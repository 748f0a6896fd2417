package filter

import (
	"errors"
	"testing"
)

func TestFlattenLeaf(t *testing.T) {
	got, err := Flatten(&Node{InMailbox: "mb-1", From: "alice"})
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if got.InMailbox != "mb-1" || got.From != "alice" {
		t.Errorf("Flatten() = %+v", got)
	}
}

func TestFlattenNil(t *testing.T) {
	got, err := Flatten(nil)
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if got != (Condition{}) {
		t.Errorf("Flatten(nil) = %+v, want zero", got)
	}
}

func TestFlattenANDMerges(t *testing.T) {
	got, err := Flatten(&Node{
		Operator: "AND",
		Conditions: []Node{
			{InMailbox: "mb-1"},
			{Text: "quarterly report"},
		},
	})
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if got.InMailbox != "mb-1" || got.Text != "quarterly report" {
		t.Errorf("Flatten() = %+v", got)
	}
}

func TestFlattenNestedAND(t *testing.T) {
	got, err := Flatten(&Node{
		Operator: "AND",
		Conditions: []Node{
			{InMailbox: "mb-1"},
			{Operator: "AND", Conditions: []Node{{From: "bob"}}},
		},
	})
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if got.InMailbox != "mb-1" || got.From != "bob" {
		t.Errorf("Flatten() = %+v", got)
	}
}

func TestFlattenSingleArmOR(t *testing.T) {
	got, err := Flatten(&Node{
		Operator:   "OR",
		Conditions: []Node{{Subject: "invoice"}},
	})
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if got.Subject != "invoice" {
		t.Errorf("Subject = %q, want invoice", got.Subject)
	}
}

func TestFlattenRejectsMultiArmOR(t *testing.T) {
	_, err := Flatten(&Node{
		Operator:   "OR",
		Conditions: []Node{{From: "a"}, {From: "b"}},
	})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Flatten() error = %v, want ErrUnsupported", err)
	}
}

func TestFlattenRejectsNOT(t *testing.T) {
	_, err := Flatten(&Node{Operator: "NOT", Conditions: []Node{{From: "a"}}})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Flatten() error = %v, want ErrUnsupported", err)
	}
}

func TestFlattenRejectsUnknownOperator(t *testing.T) {
	_, err := Flatten(&Node{Operator: "XOR"})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Flatten() error = %v, want ErrUnsupported", err)
	}
}

func TestFlattenRejectsConflict(t *testing.T) {
	_, err := Flatten(&Node{
		Operator: "AND",
		Conditions: []Node{
			{InMailbox: "mb-1"},
			{InMailbox: "mb-2"},
		},
	})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Flatten() error = %v, want ErrUnsupported", err)
	}
}

func TestFlattenEqualValuesAgree(t *testing.T) {
	got, err := Flatten(&Node{
		Operator: "AND",
		Conditions: []Node{
			{InMailbox: "mb-1", From: "alice"},
			{InMailbox: "mb-1"},
		},
	})
	if err != nil {
		t.Fatalf("Flatten() error = %v", err)
	}
	if got.InMailbox != "mb-1" || got.From != "alice" {
		t.Errorf("Flatten() = %+v", got)
	}
}
