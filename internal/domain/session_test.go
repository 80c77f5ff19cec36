package domain

import "testing"

func TestValidateVMName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"vmA", false},
		{"web-01", false},
		{"tenant_7.db:primary", false},
		{"9front", false},
		{"", true},
		{"-leading-dash", true},
		{"has space", true},
		{"slash/vm", true},
	}

	for _, tt := range tests {
		err := ValidateVMName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ValidateVMName(%q) = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestConsoleURL(t *testing.T) {
	got := ConsoleURL("10.0.0.5", 6100)
	want := "http://10.0.0.5:6100/vnc.html?host=10.0.0.5&port=6100"
	if got != want {
		t.Fatalf("ConsoleURL = %q, want %q", got, want)
	}
}
