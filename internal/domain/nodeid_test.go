package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidNodeID(t *testing.T) {
	t.Run("ValidForms", func(t *testing.T) {
		for _, typ := range []string{"i", "s", "g", "b"} {
			for _, ns := range []int{0, 1, 3, 65535} {
				s := fmt.Sprintf("ns=%d;%s=1002", ns, typ)
				if !ValidNodeID(s) {
					t.Errorf("expected %q to be valid", s)
				}
			}
		}
		valid := []string{
			"ns=3;i=1002",
			"ns=2;s=Machine.Temperature",
			"ns=1;g=09087e75-8e5e-499b-954f-f2a9603db28a",
			"ns=4;b=M/RbKBsRVkePCePcx24oRA==",
		}
		for _, s := range valid {
			if !ValidNodeID(s) {
				t.Errorf("expected %q to be valid", s)
			}
		}
	})

	t.Run("InvalidForms", func(t *testing.T) {
		invalid := []string{
			"",
			"i=2258",
			"s=Temperature",
			"ns=;i=1",
			"ns=x;i=1",
			"ns=3;x=1002",
			"ns=3;1002",
			"ns=3;i=",
			"ns=3;i=1002;s=extra",
			"ns=3;i=1002;",
			"ns=-1;i=5",
			" ns=3;i=1002",
			"ns=99999999999;i=1",
		}
		for _, s := range invalid {
			if ValidNodeID(s) {
				t.Errorf("expected %q to be invalid", s)
			}
		}
	})
}

func TestParseNodeID(t *testing.T) {
	n, err := ParseNodeID("ns=3;i=1002")
	if err != nil {
		t.Fatalf("ParseNodeID failed: %v", err)
	}
	if n.Namespace != 3 || n.Type != 'i' || n.Identifier != "1002" {
		t.Errorf("unexpected parse result: %+v", n)
	}
	if n.String() != "ns=3;i=1002" {
		t.Errorf("expected round trip, got %s", n.String())
	}
	v, err := n.Numeric()
	if err != nil || v != 1002 {
		t.Errorf("expected numeric 1002, got %d (%v)", v, err)
	}

	_, err = ParseNodeID("bogus")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	s, _ := ParseNodeID("ns=2;s=Temp")
	if _, err := s.Numeric(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for string identifier, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("poll: %w", NewError(KindNotFound, "resolve tag", "no such node").With("node_id", "ns=1;i=1"))

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("did not expect ErrValidation to match")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("expected kind not_found, got %s", KindOf(err))
	}
	if DetailsOf(err)["node_id"] != "ns=1;i=1" {
		t.Errorf("expected node_id detail, got %v", DetailsOf(err))
	}
	if KindOf(ErrNotConnected) != KindConnection {
		t.Errorf("expected not-connected to map to connection kind")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Errorf("expected plain errors to map to internal kind")
	}

	cause := errors.New("dial tcp: refused")
	wrapped := WrapError(KindConnection, "connect", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("expected wrapped cause to be reachable")
	}
}

func TestNormalizeSourceType(t *testing.T) {
	tests := map[string]SourceType{
		"opcua":      SourceOpcUa,
		"OPC-UA":     SourceOpcUa,
		"opc_ua":     SourceOpcUa,
		"postgresql": SourceDatabase,
		"mysql":      SourceDatabase,
		"sqlite":     SourceDatabase,
		"database":   SourceDatabase,
		"modbus_tcp": SourceModbus,
		"mqtt":       SourceType("mqtt"),
	}
	for in, want := range tests {
		if got := NormalizeSourceType(in); got != want {
			t.Errorf("NormalizeSourceType(%q) = %s, want %s", in, got, want)
		}
	}
}
