package session

// Replies sent to the user's direct-message channel.
const (
	MsgStarted             = "Started recording uploads"
	MsgAlreadyActive       = "You already have an active recording session. Send 'stop' to complete it first."
	MsgStartFailed         = "Failed to start recording session. Please try again."
	MsgStartFirst          = "You need to start a recording session before uploading files. Send 'start' to begin a new session."
	MsgNoActiveSession     = "No active recording session found. Start one with 'start'"
	MsgBuilding            = "Building downloader, this may take a moment..."
	MsgNoChunks            = "No chunks were recorded in this session"
	MsgCategoryNotFound    = "Could not find the specified category"
	MsgNoChannelPermission = "I don't have permission to create channels"
	MsgChannelErrorPrefix  = "Error creating channel: "
	MsgErrorPrefix         = "An error occurred: "
	MsgInternalError       = "An error occurred while processing your request"
)
