package main

import (
	"errors"
	"strings"
	"testing"
)

func TestCleanupRunsOnceInReverse(t *testing.T) {
	var order []string
	c := &cleanup{}
	c.add(func() { order = append(order, "pid") })
	c.add(func() { order = append(order, "threads") })
	c.add(func() { order = append(order, "http") })

	c.run()
	c.run()

	if got := strings.Join(order, ","); got != "http,threads,pid" {
		t.Errorf("unexpected teardown order %q", got)
	}
}

func TestReexecTearsDownFirst(t *testing.T) {
	var order []string
	c := &cleanup{}
	c.add(func() { order = append(order, "threads") })

	err := reexec(c, func(argv0 string, argv []string, envv []string) error {
		if argv0 == "" {
			t.Error("expected executable path")
		}
		order = append(order, "exec")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(order, ","); got != "threads,exec" {
		t.Errorf("expected teardown before exec, got %q", got)
	}
}

func TestReexecFailure(t *testing.T) {
	c := &cleanup{}
	ran := false
	c.add(func() { ran = true })
	boom := errors.New("exec format error")

	err := reexec(c, func(string, []string, []string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected exec error, got %v", err)
	}
	if !ran {
		t.Error("teardown must run even when the exec fails")
	}
}
