package agent

import "testing"

func TestCheckWakeWord(t *testing.T) {
	tests := []struct {
		in     string
		want   bool
		remain string
	}{
		{"hey bot what time is it", true, "what time is it"},
		{"Hello Bot how are you", true, "how are you"},
		{"  HI BOT   tell me a joke", true, "tell me a joke"},
		{"hey bot", true, ""},
		{"hello everyone", false, "hello everyone"},
		{"say hey bot", false, "say hey bot"},
		{"", false, ""},
		{"הי בוט מה השעה", true, "מה השעה"},
		{"היי בוט ספר לי", true, "ספר לי"},
		{"הלו בוט", true, ""},
		{"שלום לכולם", false, "שלום לכולם"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, remain := CheckWakeWord(tt.in)
			if got != tt.want || remain != tt.remain {
				t.Errorf("CheckWakeWord(%q) = (%v, %q), want (%v, %q)", tt.in, got, remain, tt.want, tt.remain)
			}
		})
	}
}
