package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/csheth/kbchat/internal/auth"
	"github.com/csheth/kbchat/internal/tuitest"
)

func TestSignInAndAskQuestion(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary and drives it through a PTY")
	}
	svc, srv := newFakeService(t)
	stateDir := t.TempDir()
	home := t.TempDir()

	binary := buildBinary(t, moduleDir(t))
	rec, err := tuitest.Run(context.Background(), tuitest.Config{
		Command: []string{binary, "--no-alt-screen"},
		Dir:     home,
		Env: []string{
			"HOME=" + home,
			"XDG_CONFIG_HOME=" + filepath.Join(home, "config"),
			"KBCHAT_API_URL=" + srv.URL,
			"KBCHAT_STATE_DIR=" + stateDir,
			"KBCHAT_LOG_FILE=" + filepath.Join(stateDir, "kbchat.log"),
			"KBCHAT_POLL_HEALTH=200ms",
			"KBCHAT_POLL_PROJECTS=200ms",
		},
		Width:  120,
		Height: 40,
		Steps: []tuitest.Step{
			{WaitFor: "Sign in", Input: []byte("alice")},
			{Input: tuitest.KeyEnter},
			{Input: []byte("secret")},
			{Input: tuitest.KeyEnter},
			{WaitFor: "No messages yet", Delay: 100 * time.Millisecond, Input: []byte("What does the handbook say?")},
			{Input: tuitest.KeyEnter},
			{WaitFor: "Hello from the handbook", Delay: 100 * time.Millisecond, Input: tuitest.KeyCtrlC},
		},
		Timeout:        20 * time.Second,
		AllowInterrupt: true,
	})
	if err != nil {
		t.Fatalf("run CLI: %v", err)
	}

	if !rec.Contains("Research") {
		t.Fatalf("project list never rendered:\n%s", rec.Plain())
	}
	token, err := auth.NewFileStore(stateDir).Load()
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if token != svc.token {
		t.Fatalf("session was not persisted, got %q", token)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.messages) != 2 || svc.messages[0].Content != "What does the handbook say?" {
		t.Fatalf("unexpected transcript on the service: %+v", svc.messages)
	}
}

func moduleDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("runtime caller unavailable")
	}
	return filepath.Dir(file)
}

func buildBinary(t *testing.T, cmdDir string) string {
	t.Helper()
	name := "kbchat-integration"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	binPath := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = cmdDir
	cmd.Env = os.Environ()
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build CLI: %v\n%s", err, output)
	}
	return binPath
}
