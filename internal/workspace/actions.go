package workspace

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/csheth/kbchat/internal/api"
)

// The calls below are one-shot requests. On success the engine echoes the
// result into its state right away; the pollers reconcile later.

// CreateProject creates a project and selects it when nothing is selected.
func (e *Engine) CreateProject(ctx context.Context, name string) (api.Project, error) {
	project, err := e.client.CreateProject(ctx, e.token(), name)
	if err != nil {
		return api.Project{}, err
	}
	if project.Status == "" {
		project.Status = api.ProjectCreated
	}
	e.mu.Lock()
	if e.state.indexOf(project.ID) < 0 {
		e.state.Projects = append(e.state.Projects, project)
	}
	selectIt := e.state.SelectedID == ""
	e.mu.Unlock()

	e.log.Info("project created", zap.String("project_id", project.ID))
	if selectIt {
		e.selectProject(project.ID)
	}
	e.Notify()
	return project, nil
}

// RenameProject renames a project.
func (e *Engine) RenameProject(ctx context.Context, projectID, name string) (api.Project, error) {
	project, err := e.client.RenameProject(ctx, e.token(), projectID, name)
	if err != nil {
		return api.Project{}, err
	}
	e.mu.Lock()
	if i := e.state.indexOf(projectID); i >= 0 {
		if project.Status == "" {
			project.Status = e.state.Projects[i].Status
		}
		e.state.Projects[i] = project
	}
	e.mu.Unlock()
	e.Notify()
	return project, nil
}

// DeleteProject deletes a project. Deleting the selected project selects
// the first remaining one.
func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	if err := e.client.DeleteProject(ctx, e.token(), projectID); err != nil {
		return err
	}
	e.mu.Lock()
	if i := e.state.indexOf(projectID); i >= 0 {
		e.state.Projects = append(e.state.Projects[:i:i], e.state.Projects[i+1:]...)
	}
	wasSelected := e.state.SelectedID == projectID
	e.mu.Unlock()

	e.log.Info("project deleted", zap.String("project_id", projectID))
	if wasSelected {
		e.selectProject(e.firstProjectID())
	}
	e.Notify()
	return nil
}

// ProcessProject starts the pipeline and re-triggers both the project and
// progress pollers.
func (e *Engine) ProcessProject(ctx context.Context, projectID string) error {
	project, err := e.client.ProcessProject(ctx, e.token(), projectID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if i := e.state.indexOf(projectID); i >= 0 {
		status := project.Status
		if status == "" {
			status = api.ProjectProcessing
		}
		e.state.Projects[i].Status = status
	}
	selected := e.state.SelectedID == projectID
	e.mu.Unlock()

	e.log.Info("processing started", zap.String("project_id", projectID))
	e.RefreshProjects()
	if selected {
		e.watchProgress(projectID)
	}
	e.Notify()
	return nil
}

// UploadDocuments uploads files to the selected project.
func (e *Engine) UploadDocuments(ctx context.Context, files []api.Upload) ([]api.Document, error) {
	projectID := e.State().SelectedID
	if projectID == "" {
		return nil, ErrNoSelection
	}
	docs, err := e.client.UploadDocuments(ctx, e.token(), projectID, files)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.state.SelectedID == projectID {
		e.state.Documents = append(e.state.Documents, docs...)
	}
	if i := e.state.indexOf(projectID); i >= 0 && e.state.Projects[i].Status == api.ProjectCreated {
		e.state.Projects[i].Status = api.ProjectUploaded
	}
	e.mu.Unlock()

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f.Filename))
	}
	e.log.Info("documents uploaded", zap.String("project_id", projectID), zap.Strings("files", names))
	e.Notify()
	return docs, nil
}

// DeleteDocument removes a document from the selected project.
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) error {
	projectID := e.State().SelectedID
	if projectID == "" {
		return ErrNoSelection
	}
	if err := e.client.DeleteDocument(ctx, e.token(), projectID, documentID); err != nil {
		return err
	}
	e.mu.Lock()
	if e.state.SelectedID == projectID {
		kept := e.state.Documents[:0:0]
		for _, d := range e.state.Documents {
			if d.ID != documentID {
				kept = append(kept, d)
			}
		}
		e.state.Documents = kept
	}
	e.mu.Unlock()
	e.Notify()
	return nil
}
