package workspace

import "github.com/csheth/kbchat/internal/api"

// Polling reports which pollers are cycling.
type Polling struct {
	Health   bool
	Projects bool
	Progress bool
}

// State is the derived view rendered by the UI.
type State struct {
	SignedIn bool
	Expired  bool
	User     *api.User

	Health        api.Health
	HealthErr     error
	HealthChecked bool

	Projects       []api.Project
	ProjectsErr    error
	ProjectsLoaded bool
	SelectedID     string

	Progress    *api.ProgressSnapshot
	ProgressErr error

	Documents    []api.Document
	DocumentsErr error

	Polling Polling
}

// Selected returns the selected project.
func (s State) Selected() (api.Project, bool) {
	return s.selected()
}

// Healthy reports whether the last health check succeeded with "healthy".
func (s State) Healthy() bool {
	return s.HealthChecked && s.HealthErr == nil && s.Health.Status == api.HealthHealthy
}

func (s *State) selected() (api.Project, bool) {
	return s.project(s.SelectedID)
}

func (s *State) project(id string) (api.Project, bool) {
	if id == "" {
		return api.Project{}, false
	}
	for _, p := range s.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return api.Project{}, false
}

func (s *State) indexOf(id string) int {
	for i, p := range s.Projects {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s State) clone() State {
	out := s
	out.Projects = append([]api.Project(nil), s.Projects...)
	out.Documents = append([]api.Document(nil), s.Documents...)
	if s.Progress != nil {
		p := *s.Progress
		p.Documents = append([]api.Document(nil), s.Progress.Documents...)
		out.Progress = &p
	}
	if s.Health.Services != nil {
		services := make(map[string]string, len(s.Health.Services))
		for k, v := range s.Health.Services {
			services[k] = v
		}
		out.Health.Services = services
	}
	return out
}
