package dispatcher

import (
	"errors"
	"strings"
	"testing"

	"github.com/psantana5/mediabot/pkg/models"
)

func TestParse(t *testing.T) {
	tests := []struct {
		text    string
		name    string
		ok      bool
		unknown bool
	}{
		{"!fetch https://example.com", CmdFetch, true, false},
		{"  !SHOT https://example.com jpg ", CmdShot, true, false},
		{"!help", CmdHelp, true, false},
		{"!launch rockets", "launch", true, true},
		{"fetch https://example.com", "", false, false},
		{"!", "", false, false},
		{"", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, ok, err := Parse("!", tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if cmd.Name != tt.name {
				t.Errorf("name = %q, want %q", cmd.Name, tt.name)
			}
			if tt.unknown != errors.Is(err, models.ErrUnknownCommand) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestJobRequest(t *testing.T) {
	ev := models.ChatEvent{Conversation: models.ConversationContext{ChannelID: "c", UserID: "u"}}

	tests := []struct {
		text    string
		kind    models.JobKind
		target  string
		script  string
		format  string
		wantErr bool
	}{
		{"!fetch https://example.com", models.JobKindBrowserFetch, "https://example.com", "", "", false},
		{"!fetch https://example.com document.querySelector('h1').innerText", models.JobKindBrowserFetch, "https://example.com", "document.querySelector('h1').innerText", "", false},
		{"!shot https://example.com", models.JobKindCapture, "https://example.com", "", "png", false},
		{"!shot https://example.com WEBP", models.JobKindCapture, "https://example.com", "", "webp", false},
		{"!convert mp3 https://example.com/a.wav", models.JobKindTranscode, "https://example.com/a.wav", "", "mp3", false},
		{"!fetch", "", "", "", "", true},
		{"!shot a b c", "", "", "", "", true},
		{"!convert", "", "", "", "", true},
		{"!convert wav /var/lib/mediabot/artifacts/other-job.wav", "", "", "", "", true},
		{"!convert wav file:///var/lib/mediabot/artifacts/other-job.wav", "", "", "", "", true},
		{"!fetch file:///etc/passwd", "", "", "", "", true},
		{"!shot /etc/hostname", "", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, _, err := Parse("!", tt.text)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			req, ok, err := cmd.JobRequest(ev)
			if !ok {
				t.Fatal("expected a job command")
			}
			if tt.wantErr {
				if !errors.Is(err, models.ErrInput) {
					t.Errorf("expected input error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("JobRequest: %v", err)
			}
			if req.Kind != tt.kind || req.Payload.Target != tt.target || req.Payload.Script != tt.script || req.Payload.Format != tt.format {
				t.Errorf("got %+v", req)
			}
			if req.Conversation != ev.Conversation {
				t.Errorf("conversation not carried over")
			}
		})
	}
}

func TestConvertRejectsLocalAttachments(t *testing.T) {
	cmd, _, err := Parse("!", "!convert ogg")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, u := range []string{"/var/lib/mediabot/artifacts/other-job.wav", "file:///etc/passwd"} {
		ev := models.ChatEvent{Attachments: []models.Attachment{{URL: u, Filename: "voice.wav"}}}
		if _, _, err := cmd.JobRequest(ev); !errors.Is(err, models.ErrInput) {
			t.Errorf("attachment %s: expected input error, got %v", u, err)
		}
	}
}

func TestControlCommandsAreNotJobs(t *testing.T) {
	for _, text := range []string{"!status abc", "!cancel abc", "!pick a, b", "!help"} {
		cmd, _, _ := Parse("!", text)
		if _, ok, _ := cmd.JobRequest(models.ChatEvent{}); ok {
			t.Errorf("%q should not produce a job", text)
		}
	}
}

func TestHelpTextUsesPrefix(t *testing.T) {
	text := helpText("?")
	for _, name := range commandOrder {
		if !strings.Contains(text, "?"+name) {
			t.Errorf("help text missing %s", name)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	got := truncate("안녕하세요 세계", 4)
	if n := len([]rune(got)); n != 4 {
		t.Errorf("expected 4 runes, got %d (%q)", n, got)
	}
	if !strings.HasSuffix(got, truncatedSuffix) {
		t.Errorf("missing suffix: %q", got)
	}
}

func TestFailureTextCoversKinds(t *testing.T) {
	kinds := []models.ErrorKind{
		models.ErrorKindTimeout, models.ErrorKindNavigation, models.ErrorKindScript,
		models.ErrorKindLaunch, models.ErrorKindEncode, models.ErrorKindInput,
		models.ErrorKindQueueFull, models.ErrorKindCancelled,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		text := failureText(k)
		if text == msgUnexpected {
			t.Errorf("%s falls back to the generic message", k)
		}
		seen[text] = true
	}
	if len(seen) != len(kinds) {
		t.Errorf("expected distinct texts per kind")
	}
	if failureText(models.ErrorKindInternal) != msgUnexpected {
		t.Errorf("internal errors should use the generic message")
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KiB",
		5 << 20: "5.0 MiB",
	}
	for n, want := range tests {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}
