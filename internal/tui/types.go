package tui

type stage int

const (
	stageLogin stage = iota
	stageSigningIn
	stageMain
)

type loginField int

const (
	fieldUsername loginField = iota
	fieldPassword
)

const heroTagline = "Chat with your documents."

const (
	minViewportWidth          = 40
	viewportHorizontalPadding = 4
	previewLimit              = 1200
	maxListedProjects         = 8
	maxListedDocuments        = 6
)

const (
	composerChatPlaceholder    = "Ask about the selected project, or type /help"
	composerNoProjectHint      = "Create a project with /new <name>"
	composerUsernamePrompt     = "Username"
	composerPasswordPrompt     = "Password"
	sessionExpiredNotice       = "Session expired. Sign in again."
	streamFailedNotice         = "The answer was interrupted. The partial text is kept above."
	busyNotice                 = "Wait for the current answer to finish."
	unknownCommandNoticeFormat = "Unknown command %q. Type /help for the list."
)
