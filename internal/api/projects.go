package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// MaxProjectNameLength bounds project names, counted in characters.
const MaxProjectNameLength = 100

type projectRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// ValidateProjectName trims name and checks it without touching the network.
func ValidateProjectName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := validateRequest(projectRequest{Name: name}); err != nil {
		return "", err
	}
	return name, nil
}

// Projects lists the projects owned by the session user.
func (c *Client) Projects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.getJSON(ctx, token, "/projects", &projects); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// CreateProject creates an empty project.
func (c *Client) CreateProject(ctx context.Context, token, name string) (Project, error) {
	name, err := ValidateProjectName(name)
	if err != nil {
		return Project{}, err
	}
	var project Project
	if err := c.sendJSON(ctx, http.MethodPost, token, "/projects", projectRequest{Name: name}, &project); err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

// RenameProject changes a project's name.
func (c *Client) RenameProject(ctx context.Context, token, projectID, name string) (Project, error) {
	name, err := ValidateProjectName(name)
	if err != nil {
		return Project{}, err
	}
	var project Project
	if err := c.sendJSON(ctx, http.MethodPatch, token, projectPath(projectID), projectRequest{Name: name}, &project); err != nil {
		return Project{}, fmt.Errorf("rename project: %w", err)
	}
	return project, nil
}

// DeleteProject removes a project and everything in it.
func (c *Client) DeleteProject(ctx context.Context, token, projectID string) error {
	if err := c.sendJSON(ctx, http.MethodDelete, token, projectPath(projectID), nil, nil); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// ProcessProject starts the document pipeline and returns the updated project.
func (c *Client) ProcessProject(ctx context.Context, token, projectID string) (Project, error) {
	var project Project
	if err := c.sendJSON(ctx, http.MethodPost, token, projectPath(projectID, "process"), nil, &project); err != nil {
		return Project{}, fmt.Errorf("process project: %w", err)
	}
	return project, nil
}

// Documents lists the documents of a project.
func (c *Client) Documents(ctx context.Context, token, projectID string) ([]Document, error) {
	var docs []Document
	if err := c.getJSON(ctx, token, projectPath(projectID, "documents"), &docs); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// UploadDocuments sends files as one multipart request.
func (c *Client) UploadDocuments(ctx context.Context, token, projectID string, files []Upload) ([]Document, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Field: "documents", Reason: "must not be empty"}
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, file := range files {
		name := filepath.Base(file.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, &ValidationError{Field: "documents", Reason: fmt.Sprintf("bad filename %q", file.Filename)}
		}
		part, err := writer.CreateFormFile("documents", name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, projectPath(projectID, "documents"), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.do(req, token)
	if err != nil {
		return nil, fmt.Errorf("upload documents: %w", err)
	}
	var docs []Document
	if err := decodeBody(resp, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// DeleteDocument removes one document from a project.
func (c *Client) DeleteDocument(ctx context.Context, token, projectID, documentID string) error {
	path := projectPath(projectID, "documents", url.PathEscape(documentID))
	if err := c.sendJSON(ctx, http.MethodDelete, token, path, nil, nil); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Progress fetches the pipeline snapshot of a project.
func (c *Client) Progress(ctx context.Context, token, projectID string) (ProgressSnapshot, error) {
	var snapshot ProgressSnapshot
	if err := c.getJSON(ctx, token, projectPath(projectID, "progress"), &snapshot); err != nil {
		return ProgressSnapshot{}, fmt.Errorf("progress: %w", err)
	}
	snapshot.ProjectID = projectID
	return snapshot, nil
}
