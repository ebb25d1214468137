package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// ProgressChannel is the pub/sub channel carrying progress events for one job.
func ProgressChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("progress:%s", jobID)
}

func ExportManifestKey(filename string) string {
	return fmt.Sprintf("export:%s", filename)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
