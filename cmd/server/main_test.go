package main

import (
	"context"
	"fmt"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version must not be empty")
	}
}

type fakePool struct{ err error }

func (f fakePool) Ping(ctx context.Context) error { return f.err }

func TestDBPinger_Ping(t *testing.T) {
	d := dbPinger{pool: fakePool{}}
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}

	d = dbPinger{pool: fakePool{err: fmt.Errorf("connection refused")}}
	if err := d.Ping(context.Background()); err == nil {
		t.Error("Ping() = nil, want error")
	}
}
