package api

// Project statuses reported by the service.
const (
	ProjectCreated    = "created"
	ProjectUploaded   = "uploaded"
	ProjectProcessing = "processing"
	ProjectReady      = "ready"
)

// Document pipeline statuses reported by the service.
const (
	DocumentUploaded   = "uploaded"
	DocumentChunking   = "chunking"
	DocumentProcessing = "processing"
	DocumentReady      = "ready"
	DocumentFailed     = "failed"
)

// HealthHealthy is the only health status that stops the health poller.
const HealthHealthy = "healthy"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Token is the response of POST /login.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// User is the account behind a session.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Project groups uploaded documents and one conversation.
type Project struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Document tracks one uploaded file through the service pipeline.
type Document struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Filename         string `json:"filename"`
	Status           string `json:"status"`
	TotalChunks      int    `json:"total_chunks"`
	ChunksSummarized int    `json:"chunks_summarized"`
	ChunksEmbedded   int    `json:"chunks_embedded"`
}

// Valid reports whether the chunk counters respect total_chunks.
func (d Document) Valid() bool {
	return d.ChunksSummarized <= d.TotalChunks && d.ChunksEmbedded <= d.TotalChunks
}

// ProgressSnapshot is the pipeline state of one project at one point in time.
type ProgressSnapshot struct {
	ProjectID          string     `json:"-"`
	Status             string     `json:"status"`
	TotalDocuments     int        `json:"total_documents"`
	DocumentsProcessed int        `json:"documents_processed"`
	Documents          []Document `json:"documents"`
}

// ReadyCount counts the documents whose status is "ready".
func (p ProgressSnapshot) ReadyCount() int {
	n := 0
	for _, doc := range p.Documents {
		if doc.Status == DocumentReady {
			n++
		}
	}
	return n
}

// Consistent reports whether documents_processed agrees with the document list.
func (p ProgressSnapshot) Consistent() bool {
	if p.DocumentsProcessed != p.ReadyCount() {
		return false
	}
	for _, doc := range p.Documents {
		if !doc.Valid() {
			return false
		}
	}
	return true
}

// Citation points at the page of a document an answer was grounded on.
type Citation struct {
	ID           string `json:"id"`
	MessageID    string `json:"message_id"`
	DocumentName string `json:"document_name"`
	PageNumber   int    `json:"page_number"`
	TotalPages   int    `json:"total_pages,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
}

// Message is one server-confirmed transcript entry.
type Message struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id,omitempty"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
}

// Health is the service health summary.
type Health struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// Upload is one file sent to POST /projects/{id}/documents.
type Upload struct {
	Filename string
	Data     []byte
}
