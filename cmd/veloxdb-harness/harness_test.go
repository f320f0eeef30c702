package main

import (
	"testing"

	"github.com/veloxdb/veloxdb/internal/vlog"
)

func TestRunDemo(t *testing.T) {
	prev := log
	log = vlog.Discard
	defer func() { log = prev }()

	if err := runDemo(demoCmd, nil); err != nil {
		t.Fatalf("runDemo: %v", err)
	}
}

func TestRunUpdate(t *testing.T) {
	prev := log
	log = vlog.Discard
	defer func() { log = prev }()

	updateAlignment = false
	if err := runUpdate(updateCmd, nil); err != nil {
		t.Fatalf("runUpdate: %v", err)
	}
}
