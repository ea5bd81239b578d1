package instance

import "os"

// GetID returns the process instance identifier used in startup logs and cron lock ownership.
// DYNO wins on Heroku, WORKER_ID elsewhere; the fallback names the service.
func GetID(service string) string {
	for _, key := range []string{"DYNO", "WORKER_ID"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return service + "@" + host
	}
	return service + "-0"
}
