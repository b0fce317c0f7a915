package tasks

// DefineTasks registers all available tasks
func DefineTasks() {
	// General
	RegisterHandler(LogInfoTask.TaskID(), LogInfoTask.HandleExecution)

	// Payment dialogs
	RegisterHandler(ExpireIntentsTask.TaskID(), ExpireIntentsTask.HandleExecution)

	// Backend jobs and notifications
	RegisterHandler(RunGreetingsTask.TaskID(), RunGreetingsTask.HandleExecution)
	RegisterHandler(CollectionReportTask.TaskID(), CollectionReportTask.HandleExecution)
}
