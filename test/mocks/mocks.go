// Package mocks provides shared mock implementations for testing sector-doctor.
// This package consolidates the process, source and repair doubles used across
// package tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/zebiner/sector-doctor/internal/runner"
	"github.com/zebiner/sector-doctor/internal/sector"
)

// Runner mocks the process boundary. Arguments are matched as one slice:
//
//	r.On("Run", mock.Anything, "hdparm", []string{"--repair-sector", "42", "/dev/sda"})
type Runner struct {
	mock.Mock
}

// Run mocks command execution
func (m *Runner) Run(ctx context.Context, name string, args ...string) (runner.Result, error) {
	if args == nil {
		args = []string{}
	}
	ret := m.Called(ctx, name, args)
	return ret.Get(0).(runner.Result), ret.Error(1)
}

// Source mocks a diagnostic output source
type Source struct {
	mock.Mock
}

// Fetch mocks reading diagnostic output
func (m *Source) Fetch(ctx context.Context) (string, error) {
	ret := m.Called(ctx)
	return ret.String(0), ret.Error(1)
}

// VerifyingSource is a Source that also refreshes evidence on request.
type VerifyingSource struct {
	Source
}

// Verify mocks a post-repair verification run
func (m *VerifyingSource) Verify(ctx context.Context, addrs []sector.Address) error {
	ret := m.Called(ctx, addrs)
	return ret.Error(0)
}

// Repairer mocks the repair command adapter
type Repairer struct {
	mock.Mock
}

// Repair mocks a single repair attempt. The returned attempt gets the
// requested address filled in when the expectation left it zero.
func (m *Repairer) Repair(ctx context.Context, deviceID string, addr sector.Address) sector.RepairAttempt {
	ret := m.Called(ctx, deviceID, addr)
	attempt := ret.Get(0).(sector.RepairAttempt)
	if attempt.SectorAddress == 0 {
		attempt.SectorAddress = addr
	}
	return attempt
}
