package notify

import "log"

// LogSink writes alerts to the process log. Used when no Telegram token is
// configured.
type LogSink struct{}

func (LogSink) Notify(msg string) {
	log.Printf("alert: %s", msg)
}
