package env

import (
	"strings"
	"testing"
)

func TestMergePrecedence(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin", "N8N_PORT=1111", "HOME=/home/u"})
	e.Set("N8N_PORT", "5678")
	e.Set("N8N_DIAGNOSTICS_ENABLED", "false")

	out := e.Merge([]string{"N8N_PORT=6000", "N8N_USER_FOLDER=${HOME}/.localmind"})

	if v, _ := Lookup(out, "N8N_PORT"); v != "6000" {
		t.Fatalf("per-process override should win, got %q", v)
	}
	if v, _ := Lookup(out, "N8N_DIAGNOSTICS_ENABLED"); v != "false" {
		t.Fatalf("global var missing, got %q", v)
	}
	if v, _ := Lookup(out, "N8N_USER_FOLDER"); v != "/home/u/.localmind" {
		t.Fatalf("expected ${HOME} expansion, got %q", v)
	}
	if v, ok := Lookup(out, "PATH"); !ok || v != "/usr/bin" {
		t.Fatalf("base var lost: %q", v)
	}
}

func TestMergeSkipsMalformedAndSorts(t *testing.T) {
	e := New().WithBase(nil)
	out := e.Merge([]string{"=nokey", "novalue", "B=2", "A=1"})
	if len(out) != 2 || out[0] != "A=1" || out[1] != "B=2" {
		t.Fatalf("unexpected merge result: %v", out)
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") {
			t.Fatalf("empty key leaked: %q", kv)
		}
	}
}

func TestSetAllAndUnset(t *testing.T) {
	e := New().WithBase(nil)
	e.SetAll([]string{"X=1", "Y=2"})
	e.Unset("X")
	out := e.Merge(nil)
	if _, ok := Lookup(out, "X"); ok {
		t.Fatalf("X should be unset: %v", out)
	}
	if v, _ := Lookup(out, "Y"); v != "2" {
		t.Fatalf("Y missing: %v", out)
	}
}
