package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskBroadcastRetry = "broadcast.retry"

type BroadcastRetryPayload struct {
	RecordID        int64  `json:"recordId"`
	ConversationKey string `json:"conversationKey"`
}

func NewBroadcastRetryTask(payload BroadcastRetryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBroadcastRetry, data), nil
}

func ParseBroadcastRetryPayload(task *asynq.Task) (BroadcastRetryPayload, error) {
	var payload BroadcastRetryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return BroadcastRetryPayload{}, err
	}
	return payload, nil
}
