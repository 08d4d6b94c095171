package tui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/csheth/kbchat/internal/api"
)

func TestParseSlashCommand(t *testing.T) {
	cases := []struct {
		input   string
		name    string
		args    []string
		rest    string
		wantErr string
	}{
		{input: "/new Board minutes 2024", name: "new", args: []string{"Board", "minutes", "2024"}, rest: "Board minutes 2024"},
		{input: "  /PROCESS  ", name: "process", args: []string{}},
		{input: "/upload a.pdf ~/b.pdf", name: "upload", args: []string{"a.pdf", "~/b.pdf"}, rest: "a.pdf ~/b.pdf"},
		{input: "/cite 3", name: "cite", args: []string{"3"}, rest: "3"},
		{input: "/new", wantErr: "usage: /new <name>"},
		{input: "/cite 1 2", wantErr: "usage: /cite <n>"},
		{input: "/delete now", wantErr: "usage: /delete"},
		{input: "/", wantErr: "unknown command"},
		{input: "/frobnicate", wantErr: "unknown command"},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			cmd, err := parseSlashCommand(tc.input)
			if tc.wantErr != "" {
				if err == nil || !containsFold(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.name != tc.name || cmd.rest != tc.rest || !reflect.DeepEqual(cmd.args, tc.args) {
				t.Fatalf("got %+v", cmd)
			}
		})
	}
}

func TestParseIndex(t *testing.T) {
	if idx, err := parseIndex("2", 3); err != nil || idx != 1 {
		t.Fatalf("got %d %v", idx, err)
	}
	for _, arg := range []string{"0", "4", "x"} {
		if _, err := parseIndex(arg, 3); err == nil {
			t.Fatalf("expected error for %q", arg)
		}
	}
}

func TestUploadJobReadsFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handbook.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	ws := newFakeWorkspace()

	msg, err := uploadJob(ws, []string{path})(context.Background())
	if err != nil {
		t.Fatalf("upload job: %v", err)
	}
	result := msg.(actionResultMsg)
	if result.err != nil || result.info == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(ws.uploads) != 1 || ws.uploads[0][0].Filename != "handbook.pdf" || string(ws.uploads[0][0].Data) != "%PDF-1.4" {
		t.Fatalf("unexpected uploads %+v", ws.uploads)
	}

	_, err = uploadJob(ws, []string{filepath.Join(dir, "missing.pdf")})(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if len(ws.uploads) != 1 {
		t.Fatal("a failed read must not reach the service")
	}
}

func TestCreateProjectJobSurfacesValidation(t *testing.T) {
	ws := newFakeWorkspace()
	msg, err := createProjectJob(ws, "   ")(context.Background())
	var verr *api.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := msg.(actionResultMsg); got.err == nil {
		t.Fatal("result should carry the error")
	}
	if len(ws.created) != 0 {
		t.Fatal("invalid name must not be created")
	}
}

func TestCiteJobWithoutPreviewer(t *testing.T) {
	cites := &fakeCitations{}
	c := api.Citation{ID: "c9", MessageID: "m1", DocumentName: "policy.pdf", PageNumber: 2}
	msg, err := citeJob(cites, nil, "p1", c)(context.Background())
	if err != nil {
		t.Fatalf("cite job: %v", err)
	}
	result := msg.(citeResultMsg)
	if result.target.URL != "https://files.example/c9.pdf" || result.preview != nil || result.previewErr != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if cites.calls != 1 {
		t.Fatalf("expected one resolve call, got %d", cites.calls)
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
