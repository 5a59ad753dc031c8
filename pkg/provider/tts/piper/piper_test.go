package piper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

// fakePiper writes a shell script that records its arguments and stdin, then
// copies a fixture WAV to the --output_file path. It returns the script path
// and the directory holding the recordings.
func fakePiper(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake piper needs a POSIX shell")
	}
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.wav")
	clip := audio.Clip{Samples: make([]int16, 2205), SampleRate: 22050}
	if err := os.WriteFile(fixture, audio.EncodeWAV(clip), 0o600); err != nil {
		t.Fatal(err)
	}
	if body == "" {
		body = `cp "` + fixture + `" "$out"`
	}
	script := `#!/bin/sh
echo "$@" > "` + dir + `/args.txt"
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_file) out="$2"; shift;;
  esac
  shift
done
cat > "` + dir + `/stdin.txt"
` + body + "\n"
	exe := filepath.Join(dir, "piper")
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return exe, dir
}

func models(t *testing.T, langs ...string) map[string]Voice {
	t.Helper()
	dir := t.TempDir()
	out := make(map[string]Voice, len(langs))
	for _, l := range langs {
		path := filepath.Join(dir, l+".onnx")
		if err := os.WriteFile(path, []byte("onnx"), 0o600); err != nil {
			t.Fatal(err)
		}
		out[l] = Voice{Model: path}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	exe, _ := fakePiper(t, "")
	if _, err := New(Config{Exe: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing binary: error = nil")
	}
	if _, err := New(Config{Exe: exe}); err == nil {
		t.Error("no voices: error = nil")
	}
	if _, err := New(Config{Exe: exe, Voices: map[string]Voice{"en": {Model: "/nonexistent.onnx"}}}); err == nil {
		t.Error("missing model: error = nil")
	}
}

func TestSynthesize(t *testing.T) {
	exe, dir := fakePiper(t, "")
	voices := models(t, "en", "ro")
	p, err := New(Config{Exe: exe, Voices: voices, Speaker: 3, LengthScale: 1.2, OutputSampleRate: 16000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clip, err := p.Synthesize(context.Background(), " Bună ziua! ", tts.Options{Language: "ro-RO"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.SampleRate != 16000 || clip.Empty() {
		t.Errorf("clip = %d samples @ %d, want non-empty @ 16000", len(clip.Samples), clip.SampleRate)
	}

	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	if string(stdin) != "Bună ziua!" {
		t.Errorf("stdin = %q, want trimmed text", stdin)
	}
	args, _ := os.ReadFile(filepath.Join(dir, "args.txt"))
	for _, want := range []string{"--model " + voices["ro"].Model, "--length_scale 1.2", "--noise_scale 0.667", "--noise_w 0.8", "--speaker 3"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestSynthesize_Failure(t *testing.T) {
	exe, _ := fakePiper(t, `echo "model load failed" >&2; exit 2`)
	p, err := New(Config{Exe: exe, Voices: models(t, "en"), Speaker: -1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Synthesize(context.Background(), "hello", tts.Options{})
	if err == nil || !strings.Contains(err.Error(), "model load failed") {
		t.Errorf("err = %v, want stderr in error", err)
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	exe, _ := fakePiper(t, `sleep 5`)
	p, err := New(Config{Exe: exe, Voices: models(t, "en"), Speaker: -1})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.Synthesize(ctx, "hello", tts.Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("Synthesize took %v after cancellation", time.Since(start))
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	exe, _ := fakePiper(t, "")
	p, _ := New(Config{Exe: exe, Voices: models(t, "en")})
	if _, err := p.Synthesize(context.Background(), "", tts.Options{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestVoiceFor(t *testing.T) {
	exe, _ := fakePiper(t, "")
	voices := models(t, "en", "ro")
	p, err := New(Config{Exe: exe, Voices: voices})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		opts tts.Options
		want string
	}{
		{tts.Options{Language: "ro"}, voices["ro"].Model},
		{tts.Options{Language: "EN-us"}, voices["en"].Model},
		{tts.Options{Language: "de"}, voices["en"].Model},
		{tts.Options{}, voices["en"].Model},
		{tts.Options{Language: "en", Voice: "ro"}, voices["ro"].Model},
	}
	for _, tt := range tests {
		if got := p.voiceFor(tt.opts).Model; got != tt.want {
			t.Errorf("voiceFor(%+v) = %q, want %q", tt.opts, got, tt.want)
		}
	}

	list, _ := p.ListVoices(context.Background())
	if len(list) != 2 || list[0].ID != "en" || list[1].ID != "ro" {
		t.Errorf("ListVoices = %+v", list)
	}
}
