package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/citation"
	"github.com/csheth/kbchat/internal/conversation"
)

const (
	actionTimeout = 45 * time.Second
	uploadTimeout = 3 * time.Minute
)

type commandSpec struct {
	name        string
	usage       string
	description string
	minArgs     int
	maxArgs     int // -1 means unbounded
}

var commandSpecs = []commandSpec{
	{"help", "/help", "Toggle this list", 0, 0},
	{"new", "/new <name>", "Create a project", 1, -1},
	{"rename", "/rename <name>", "Rename the selected project", 1, -1},
	{"delete", "/delete", "Delete the selected project", 0, 0},
	{"project", "/project <n>", "Select the n-th project", 1, 1},
	{"upload", "/upload <file>...", "Upload documents to the selected project", 1, -1},
	{"rmdoc", "/rmdoc <n>", "Delete the n-th document", 1, 1},
	{"process", "/process", "Start processing the selected project", 0, 0},
	{"cite", "/cite <n>", "Preview citation n of the latest answer", 1, 1},
	{"hybrid", "/hybrid", "Toggle hybrid search", 0, 0},
	{"graph", "/graph", "Toggle graph search", 0, 0},
	{"rerank", "/rerank", "Toggle reranking", 0, 0},
	{"refresh", "/refresh", "Poll health and projects again", 0, 0},
	{"logout", "/logout", "Sign out and forget the stored session", 0, 0},
	{"quit", "/quit", "Exit", 0, 0},
}

type slashCommand struct {
	name string
	args []string
	rest string
}

var errUnknownCommand = errors.New("unknown command")

func isSlashCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

func lookupCommand(name string) (commandSpec, bool) {
	for _, spec := range commandSpecs {
		if spec.name == name {
			return spec, true
		}
	}
	return commandSpec{}, false
}

func parseSlashCommand(input string) (slashCommand, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return slashCommand{}, fmt.Errorf("%w: %q", errUnknownCommand, input)
	}
	body := strings.TrimPrefix(input, "/")
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return slashCommand{}, fmt.Errorf("%w: %q", errUnknownCommand, input)
	}
	name := strings.ToLower(fields[0])
	spec, ok := lookupCommand(name)
	if !ok {
		return slashCommand{}, fmt.Errorf("%w: %q", errUnknownCommand, "/"+name)
	}
	args := fields[1:]
	if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
		return slashCommand{}, fmt.Errorf("usage: %s", spec.usage)
	}
	rest := strings.TrimSpace(strings.TrimPrefix(body, fields[0]))
	return slashCommand{name: name, args: args, rest: rest}, nil
}

// parseIndex turns a 1-based list position into a slice index.
func parseIndex(arg string, n int) (int, error) {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", arg)
	}
	if idx < 1 || idx > n {
		if n == 0 {
			return 0, errors.New("the list is empty")
		}
		return 0, fmt.Errorf("pick a number between 1 and %d", n)
	}
	return idx - 1, nil
}

type loginResultMsg struct {
	username string
	err      error
}

type submitResultMsg struct {
	err error
}

type actionResultMsg struct {
	info string
	err  error
}

type citeResultMsg struct {
	citation   api.Citation
	target     citation.Target
	preview    *citation.Preview
	previewErr error
	err        error
}

func loginJob(session Session, creds api.Credentials) jobRunner {
	return func(parent context.Context) (tea.Msg, error) {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		_, err := session.Login(ctx, creds)
		return loginResultMsg{username: creds.Username, err: err}, err
	}
}

// submitJob blocks for the whole answer. Progress arrives through the
// workspace update channel, so only the outcome is reported here.
func submitJob(conv Conversation, content string, opts conversation.Options) jobRunner {
	return func(ctx context.Context) (tea.Msg, error) {
		err := conv.Submit(ctx, content, opts)
		return submitResultMsg{err: err}, err
	}
}

func actionJob(timeout time.Duration, run func(ctx context.Context) (string, error)) jobRunner {
	return func(parent context.Context) (tea.Msg, error) {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		info, err := run(ctx)
		return actionResultMsg{info: info, err: err}, err
	}
}

func createProjectJob(ws Workspace, name string) jobRunner {
	return actionJob(actionTimeout, func(ctx context.Context) (string, error) {
		project, err := ws.CreateProject(ctx, name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created project %s.", project.Name), nil
	})
}

func renameProjectJob(ws Workspace, projectID, name string) jobRunner {
	return actionJob(actionTimeout, func(ctx context.Context) (string, error) {
		project, err := ws.RenameProject(ctx, projectID, name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Renamed project to %s.", project.Name), nil
	})
}

func deleteProjectJob(ws Workspace, project api.Project) jobRunner {
	return actionJob(actionTimeout, func(ctx context.Context) (string, error) {
		if err := ws.DeleteProject(ctx, project.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted project %s.", project.Name), nil
	})
}

func processProjectJob(ws Workspace, project api.Project) jobRunner {
	return actionJob(actionTimeout, func(ctx context.Context) (string, error) {
		if err := ws.ProcessProject(ctx, project.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Processing %s…", project.Name), nil
	})
}

func uploadJob(ws Workspace, paths []string) jobRunner {
	files := append([]string(nil), paths...)
	return actionJob(uploadTimeout, func(ctx context.Context) (string, error) {
		uploads, err := readUploads(files)
		if err != nil {
			return "", err
		}
		docs, err := ws.UploadDocuments(ctx, uploads)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Uploaded %d document(s). Run /process to index them.", len(docs)), nil
	})
}

func deleteDocumentJob(ws Workspace, doc api.Document) jobRunner {
	return actionJob(actionTimeout, func(ctx context.Context) (string, error) {
		if err := ws.DeleteDocument(ctx, doc.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %s.", doc.Filename), nil
	})
}

func readUploads(paths []string) ([]api.Upload, error) {
	uploads := make([]api.Upload, 0, len(paths))
	for _, path := range paths {
		path = expandHome(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		uploads = append(uploads, api.Upload{Filename: filepath.Base(path), Data: data})
	}
	return uploads, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func citeJob(cites Citations, previews Previews, projectID string, c api.Citation) jobRunner {
	return func(parent context.Context) (tea.Msg, error) {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		target, err := cites.Resolve(ctx, projectID, c.MessageID, c.ID)
		if err != nil {
			return citeResultMsg{citation: c, err: err}, err
		}
		msg := citeResultMsg{citation: c, target: target}
		if previews == nil {
			return msg, nil
		}
		page := c.PageNumber
		if page < 1 {
			page = 1
		}
		preview, err := previews.Preview(ctx, target, page)
		if err != nil {
			msg.previewErr = err
			return msg, nil
		}
		msg.preview = &preview
		return msg, nil
	}
}
