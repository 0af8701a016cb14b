package protocol

const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"

	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	MethodTasksGet    = "tasks/get"
	MethodTasksResult = "tasks/result"
	MethodTasksCancel = "tasks/cancel"
	MethodTasksList   = "tasks/list"

	MethodElicitationCreate = "elicitation/create"
)

const (
	NotificationInitialized = "notifications/initialized"

	NotificationToolsListChanged = "notifications/tools/list_changed"

	NotificationTasksStatus = "notifications/tasks/status"

	NotificationProgress  = "notifications/progress"
	NotificationCancelled = "notifications/cancelled"
)
