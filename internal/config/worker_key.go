package config

type WorkerKeyStruct struct {
	PersistWorkLogsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistWorkLogsQueue: "persist_worklogs_queue",
}
