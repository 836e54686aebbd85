package bus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicTaskEvents(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicAgentEvents(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicSessionEvents(sessionID string) string {
	return fmt.Sprintf("events.session.%s", sessionID)
}

func TopicSessionChat(sessionID string) string {
	return fmt.Sprintf("session.%s.chat", sessionID)
}

func TopicSessionDirect(sessionID, agentID string) string {
	return fmt.Sprintf("session.%s.msg.%s", sessionID, agentID)
}

const (
	TopicEventsAll     = "events.>"
	TopicEventsTask    = "events.task.*"
	TopicEventsAgent   = "events.agent.*"
	TopicEventsSession = "events.session.*"
)
