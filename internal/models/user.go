package models

import "time"

// Channels a code can be delivered over.
const (
	ChannelEmail = "email"
	ChannelPhone = "phone"
)

// Roles assigned at first login.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the durable identity record keyed by (channel, identifier). The
// raw identifier is never stored: lookups go through its SHA-256 hash and
// the value itself is kept envelope-encrypted.
type User struct {
	Bucket              int        `db:"bucket"`
	UserID              string     `db:"user_id"`
	Channel             string     `db:"channel"`
	IdentifierHash      string     `db:"identifier_hash"`
	IdentifierEncrypted []byte     `db:"identifier_encrypted"`
	IdentifierKeyID     string     `db:"identifier_key_id"`
	Role                string     `db:"role"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	LastLoginAt         *time.Time `db:"last_login_at"`
}

// ValidChannel reports whether ch is a supported delivery channel.
func ValidChannel(ch string) bool {
	return ch == ChannelEmail || ch == ChannelPhone
}
