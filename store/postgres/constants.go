// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package postgres

// Table and column names, built the way the teacher's
// postgres/constants.go builds them: as string constants composed
// from table names, so a rename only happens in one place.
const (
	taskTable   = "task"
	clientTable = "client"

	taskID             = taskTable + ".id"
	taskArgs           = taskTable + ".args"
	taskSubmitID       = taskTable + ".submit_id"
	taskSubmitHost     = taskTable + ".submit_host"
	taskSubmitTime     = taskTable + ".submit_time"
	taskServerID       = taskTable + ".server_id"
	taskServerHost     = taskTable + ".server_host"
	taskScheduleTime   = taskTable + ".schedule_time"
	taskClientID       = taskTable + ".client_id"
	taskClientHost     = taskTable + ".client_host"
	taskCommand        = taskTable + ".command"
	taskStartTime      = taskTable + ".start_time"
	taskCompletionTime = taskTable + ".completion_time"
	taskExitStatus     = taskTable + ".exit_status"
	taskOutpath        = taskTable + ".outpath"
	taskErrpath        = taskTable + ".errpath"
	taskAttempt        = taskTable + ".attempt"
	taskRetried        = taskTable + ".retried"
	taskPreviousID     = taskTable + ".previous_id"
	taskNextID         = taskTable + ".next_id"
	taskWaited         = taskTable + ".waited"
	taskDuration       = taskTable + ".duration"
	taskTag            = taskTable + ".tag"

	clientIDCol        = clientTable + ".id"
	clientHost         = clientTable + ".host"
	clientServerID     = clientTable + ".server_id"
	clientServerHost   = clientTable + ".server_host"
	clientConnectedAt  = clientTable + ".connected_at"
	clientDisconnected = clientTable + ".disconnected_at"
	clientEvicted      = clientTable + ".evicted"
	clientHeartbeatSeq = clientTable + ".heartbeat_seq"

	// WHERE clause fragments, reused across queries.
	isNewTask         = taskScheduleTime + " IS NULL"
	isInterruptedTask = taskScheduleTime + " IS NOT NULL AND " + taskCompletionTime + " IS NULL"
	isFailedTask      = taskExitStatus + " IS NOT NULL AND " + taskExitStatus + " != 0 AND " + taskRetried + " = FALSE AND " + taskAttempt + " < $1"
)

var taskColumns = []string{
	taskID, taskArgs, taskSubmitID, taskSubmitHost, taskSubmitTime,
	taskServerID, taskServerHost, taskScheduleTime,
	taskClientID, taskClientHost, taskCommand,
	taskStartTime, taskCompletionTime, taskExitStatus,
	taskOutpath, taskErrpath, taskAttempt, taskRetried,
	taskPreviousID, taskNextID, taskWaited, taskDuration, taskTag,
}

var clientColumns = []string{
	clientIDCol, clientHost, clientServerID, clientServerHost,
	clientConnectedAt, clientDisconnected, clientEvicted, clientHeartbeatSeq,
}
