package queue

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskTypeScheduledPost = "scheduled_post:dispatch"

type ScheduledPostPayload struct {
	PostID int64     `json:"post_id"`
	FireAt time.Time `json:"fire_at"`
}

func NewScheduledPostTask(payload ScheduledPostPayload) (*asynq.Task, error) {
	taskPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeScheduledPost, taskPayload), nil
}
