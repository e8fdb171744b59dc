package natsbus

import "strings"

// Subjects used between the coordinator, the web hub, notifiers and the
// control plane.

const (
	TopicEventsAll      = "events.>"
	TopicEventsActivity = "events.activity"
	TopicEventsTask     = "events.task"
	TopicEventsSwarm    = "events.swarm"
	TopicEventsJob      = "events.job"

	TopicControlAll = "control.*"
)

func TopicControl(op string) string {
	return "control." + op
}

// ControlOp extracts the operation name from a control subject.
func ControlOp(subject string) string {
	return strings.TrimPrefix(subject, "control.")
}

// EventType extracts the event kind from an events subject, e.g.
// "events.task" yields "task".
func EventType(subject string) string {
	return strings.TrimPrefix(subject, "events.")
}
