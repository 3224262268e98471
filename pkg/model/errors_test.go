package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "job 'job_123' not found"}
	want := "NOT_FOUND: job 'job_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("work item", "wi_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "work item 'wi_abc' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestValidateWorkItem(t *testing.T) {
	neg := -1
	tests := []struct {
		name   string
		item   WorkItem
		fields []string
	}{
		{"valid", WorkItem{Name: "p1", Type: "noop", DependentPhase: DependentPhaseNone}, nil},
		{"missing name and type", WorkItem{}, []string{"name", "type"}},
		{"negative phase", WorkItem{Name: "a", Type: "t", Phase: -2}, []string{"phase"}},
		{"bad dependent phase", WorkItem{Name: "a", Type: "t", DependentPhase: -5}, []string{"dependent_phase"}},
		{"negative retries", WorkItem{Name: "a", Type: "t", MaxRetries: &neg}, []string{"max_retries"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateWorkItem(&tt.item)
			if len(errs) != len(tt.fields) {
				t.Fatalf("got %d errors (%v), want %d", len(errs), errs, len(tt.fields))
			}
			for i, f := range tt.fields {
				if errs[i].Field != f {
					t.Errorf("errs[%d].Field = %q, want %q", i, errs[i].Field, f)
				}
			}
		})
	}
}
