package models

import (
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{JobStatusQueued, JobStatusRunning, false},
		{JobStatusQueued, JobStatusCancelled, false},
		{JobStatusRunning, JobStatusSucceeded, false},
		{JobStatusRunning, JobStatusFailed, false},
		{JobStatusRunning, JobStatusCancelled, false},
		{JobStatusQueued, JobStatusSucceeded, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusRunning, JobStatusQueued, true},
		{JobStatusSucceeded, JobStatusRunning, true},
		{JobStatusFailed, JobStatusQueued, true},
		{JobStatusCancelled, JobStatusRunning, true},
		{JobStatus("bogus"), JobStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestTransitionToRecordsHistory(t *testing.T) {
	job := &Job{ID: "job-1", Status: JobStatusQueued}

	if err := job.TransitionTo(JobStatusRunning, "slot acquired"); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatal("StartedAt not set on running")
	}
	if err := job.TransitionTo(JobStatusSucceeded, "done"); err != nil {
		t.Fatalf("running->succeeded: %v", err)
	}
	if job.CompletedAt == nil {
		t.Fatal("CompletedAt not set on terminal state")
	}

	if err := job.TransitionTo(JobStatusFailed, "late failure"); err == nil {
		t.Fatal("expected terminal state to reject further transitions")
	}
	if job.Status != JobStatusSucceeded {
		t.Errorf("status changed after rejected transition: %s", job.Status)
	}
	if len(job.StateTransitions) != 2 {
		t.Errorf("expected 2 transitions, got %d", len(job.StateTransitions))
	}
}

func TestCloneDoesNotShareState(t *testing.T) {
	job := &Job{ID: "job-1", Status: JobStatusQueued}
	_ = job.TransitionTo(JobStatusRunning, "")
	job.Result = &JobResult{Browser: &BrowserResult{Content: []byte("abc")}}

	c := job.Clone()
	c.Result.Browser.Content[0] = 'x'
	c.StateTransitions[0].Reason = "changed"

	if string(job.Result.Browser.Content) != "abc" {
		t.Errorf("clone shares content buffer")
	}
	if job.StateTransitions[0].Reason == "changed" {
		t.Errorf("clone shares transition history")
	}
}

func TestIsTerminalState(t *testing.T) {
	for _, s := range []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCancelled} {
		if !IsTerminalState(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning} {
		if IsTerminalState(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
