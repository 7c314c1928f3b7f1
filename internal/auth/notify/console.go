// Package notify delivers one-time codes to users.
package notify

import (
	"context"
	"log"
)

// Console writes codes to the process log instead of sending mail. It is the
// delivery channel for local development; production deployments swap in a
// real mail provider behind the same interface.
type Console struct{}

// SendCode logs the code addressed to email.
func (Console) SendCode(_ context.Context, email, name, code, purpose string) error {
	if name != "" {
		log.Printf("one-time code for %s <%s> (%s): %s", name, email, purpose, code)
		return nil
	}
	log.Printf("one-time code for %s (%s): %s", email, purpose, code)
	return nil
}
