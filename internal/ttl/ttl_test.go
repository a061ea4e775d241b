package ttl

import (
	"testing"
	"time"
)

func TestStamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	def := 60.0
	override := 30.0
	zero := 0.0

	t.Run("no ttl anywhere", func(t *testing.T) {
		mins, exp := Stamp(now, nil, nil)
		if mins != nil || exp != nil {
			t.Errorf("got %v, %v; want nil, nil", mins, exp)
		}
	})

	t.Run("default applies", func(t *testing.T) {
		mins, exp := Stamp(now, nil, &def)
		if mins == nil || *mins != 60 {
			t.Fatalf("mins = %v", mins)
		}
		if !exp.Equal(now.Add(60 * time.Minute)) {
			t.Errorf("exp = %v", exp)
		}
	})

	t.Run("override beats default", func(t *testing.T) {
		mins, exp := Stamp(now, &override, &def)
		if *mins != 30 {
			t.Fatalf("mins = %v", *mins)
		}
		if !exp.Equal(now.Add(30 * time.Minute)) {
			t.Errorf("exp = %v", exp)
		}
	})

	t.Run("fractional minutes", func(t *testing.T) {
		half := 0.5
		_, exp := Stamp(now, &half, nil)
		if !exp.Equal(now.Add(30 * time.Second)) {
			t.Errorf("exp = %v", exp)
		}
	})

	t.Run("zero ttl expires immediately", func(t *testing.T) {
		mins, exp := Stamp(now, &zero, &def)
		if *mins != 0 {
			t.Fatalf("mins = %v", *mins)
		}
		if exp.After(now) {
			t.Errorf("zero ttl should not expire in the future: %v", exp)
		}
	})
}

func TestFilterClauseShape(t *testing.T) {
	now := time.Now()
	clause := FilterClause(now)
	b, ok := clause["bool"].(map[string]any)
	if !ok {
		t.Fatalf("clause = %v", clause)
	}
	shoulds, ok := b["should"].([]map[string]any)
	if !ok || len(shoulds) != 2 {
		t.Fatalf("should = %v", b["should"])
	}
	if b["minimum_should_match"] != 1 {
		t.Errorf("minimum_should_match = %v", b["minimum_should_match"])
	}
}
