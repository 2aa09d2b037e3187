package natsbus

import "fmt"

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsMinion(agentID string) string {
	return fmt.Sprintf("events.minion.%s", agentID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsScheduler = "events.scheduler"
)

// Event types.
const (
	EventTaskStatus        = "task_status"
	EventMinionState       = "minion_state"
	EventAgentRegistered   = "agent_registered"
	EventAgentDeregistered = "agent_deregistered"
	EventScheduleExecuted  = "schedule_executed"
)
