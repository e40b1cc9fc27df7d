package model

import "time"

// Student represents a student user. Students are provisioned outside this
// service; only identity is stored here.
type Student struct {
	ID        int       `json:"id"`
	NISN      string    `json:"nisn"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
