package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskPhotoVariants = "photo:variants"
	QueueVariants     = "variants"
)

type PhotoVariantsPayload struct {
	PhotoID string `json:"photo_id"`
	// Variants to render; empty means all derived sizes.
	Variants []string `json:"variants,omitempty"`
}

// NewPhotoVariantsTask builds the task enqueued after an upload. The task id
// dedupes repeated requests for the same photo while one is pending.
func NewPhotoVariantsTask(p PhotoVariantsPayload, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPhotoVariants, payload,
		asynq.Queue(QueueVariants),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
		asynq.TaskID(TaskPhotoVariants+":"+p.PhotoID),
	), nil
}
