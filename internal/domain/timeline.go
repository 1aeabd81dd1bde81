package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле резерва (audit trail).
type TimelineEvent struct {
	ReservationID string
	Type          string
	Status        ReservationStatus
	Reason        string
	Occurred      time.Time
}
