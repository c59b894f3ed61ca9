package models

import "github.com/google/uuid"

type User struct {
	Username string
	Email    string
	Model
}

func (User) TableName() string {
	return "user"
}

func (u User) GetID() uuid.UUID {
	return u.ID
}
