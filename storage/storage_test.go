package storage

import "testing"

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{44 + 44100*4*60, "10.1 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.in); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMixdownObjectName(t *testing.T) {
	if got, want := MixdownObjectName("job-1", "/tmp/out/mix.wav"), "mixdowns/job-1/mix.wav"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
