package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is the single local actor owning this server
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s)", acc.Id, acc.Username, acc.CreatedAt)
}
