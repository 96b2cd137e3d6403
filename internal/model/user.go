package model

import "time"

// User is a Telegram user with an activated subscription.
// UUID is the VLESS client id; Path is the public subscription path.
type User struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	UUID       string    `json:"uuid"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	Active     bool      `json:"active"`
}

// Stats is the admin overview shown in the bot.
type Stats struct {
	Users    int `json:"users"`
	FreeKeys int `json:"free_keys"`
}
