package registry

import "github.com/google/uuid"

// GenerateUUID generates a new connection UUID using UUID v4
func GenerateUUID() string {
	return uuid.New().String()
}

func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
