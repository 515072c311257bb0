package indicator

import (
	"fmt"

	"cryptodesk/internal/model"
)

func errUnknownSide(s Side) error {
	return fmt.Errorf("%w: unknown indicator side %q", model.ErrConfig, s)
}

// ParseSide converts a request value into a Side.
func ParseSide(v string) (Side, error) {
	s := Side(v)
	if !s.Valid() {
		return "", errUnknownSide(s)
	}
	return s, nil
}
