package main

import (
	"errors"
	"testing"
)

func TestExitCodeForInterruptedIs130(t *testing.T) {
	if got := exitCodeFor(errInterrupted); got != 130 {
		t.Errorf("exitCodeFor(errInterrupted) = %d, want 130", got)
	}
}

func TestExitCodeForOtherErrorsIs1(t *testing.T) {
	if got := exitCodeFor(errors.New("boom")); got != 1 {
		t.Errorf("exitCodeFor(other) = %d, want 1", got)
	}
}

func TestRunSyncRejectsAllAndMappingTogether(t *testing.T) {
	resetSyncFlags(t)
	flagAll = true
	flagMappings = []string{"mysql_prod.orders"}

	err := runSync(syncCmd, nil)
	if err == nil {
		t.Fatal("expected error when --all and --mapping are both set")
	}
}

func TestRunSyncRejectsParallelAndSequentialTogether(t *testing.T) {
	resetSyncFlags(t)
	flagAll = true
	flagParallel = true
	flagSequential = true

	err := runSync(syncCmd, nil)
	if err == nil {
		t.Fatal("expected error when --parallel and --sequential are both set")
	}
}

func resetSyncFlags(t *testing.T) {
	t.Helper()
	flagAll = false
	flagMappings = nil
	flagParallel = false
	flagSequential = false
	flagDryRun = false
	flagForce = false
	flagWorkers = 4
	flagBatchSize = 0
	flagShowStatus = false
}
