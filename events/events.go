package events

import "time"

// ShareEvent is published once per pool reply to a forwarded share.
type ShareEvent struct {
	Pool       string    `json:"pool"`
	User       string    `json:"user"`
	Connection string    `json:"connection"`
	Difficulty float64   `json:"difficulty"`
	Accepted   bool      `json:"accepted"`
	Time       time.Time `json:"time"`
}
