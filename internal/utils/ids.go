package utils

import "github.com/google/uuid"

// IsUUID reports whether s parses as a UUID. Handlers use it to reject
// malformed path params before touching the database.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)

	return err == nil
}
