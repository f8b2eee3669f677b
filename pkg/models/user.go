package models

import "time"

type User struct {
	ID           string     `json:"id" bson:"_id"`
	Email        string     `json:"email" bson:"email"`
	Name         string     `json:"name" bson:"name"`
	PasswordHash string     `json:"-" bson:"passwordHash"`
	IsAdmin      bool       `json:"isAdmin" bson:"isAdmin"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" bson:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt" bson:"updatedAt"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
}
